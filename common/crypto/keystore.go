package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// MasterKeyEnv is the environment variable consulted by LoadMasterKey.
const MasterKeyEnv = "AINERD_MEMORY_KEY"

// ParseMasterKey decodes a 64-character hex string (32 bytes / 256 bits) into
// a raw key suitable for NewCipher.
//
// Generate a suitable key with:
//
//	openssl rand -hex 32
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}

	return key, nil
}

// LoadMasterKey reads and parses the key from MasterKeyEnv.
func LoadMasterKey() ([]byte, error) {
	raw, ok := os.LookupEnv(MasterKeyEnv)
	if !ok {
		return nil, fmt.Errorf("%s is not set", MasterKeyEnv)
	}
	key, err := ParseMasterKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MasterKeyEnv, err)
	}
	return key, nil
}
