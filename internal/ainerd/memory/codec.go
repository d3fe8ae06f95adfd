package memory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerdlabs-ai/ainerd/common/crypto"
)

var (
	// ErrConfiguration means no usable encryption key is configured. It is
	// fatal: nothing can be written until the key is fixed.
	ErrConfiguration = errors.New("memory: encryption key not configured")

	// ErrCorruptData means a blob could neither be decrypted nor parsed as
	// legacy plaintext JSON.
	ErrCorruptData = errors.New("memory: corrupt document")
)

// Codec turns JSON documents into opaque blobs and back:
//
//	blob = base64url(nonce[12] || ciphertext || tag)
//
// The zero value and a nil *Codec have no key; every call on them fails
// with ErrConfiguration before touching any data.
type Codec struct {
	cipher *crypto.Cipher
}

// NewCodec builds a codec for a 32-byte AES-256 key.
func NewCodec(key []byte) (*Codec, error) {
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &Codec{cipher: c}, nil
}

func (c *Codec) ready() error {
	if c == nil || c.cipher == nil {
		return ErrConfiguration
	}
	return nil
}

// Encode marshals doc to JSON, seals it under a fresh nonce and returns the
// base64url text.
func (c *Codec) Encode(doc any) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal document: %w", err)
	}

	sealed, err := c.cipher.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("memory: seal document: %w", err)
	}

	out := make([]byte, base64.URLEncoding.EncodedLen(len(sealed)))
	base64.URLEncoding.Encode(out, sealed)
	return out, nil
}

// Decode is the strict path: base64url, open, unmarshal into v. Any failure
// is reported as ErrCorruptData.
func (c *Codec) Decode(blob []byte, v any) error {
	if err := c.ready(); err != nil {
		return err
	}

	sealed, err := decodeBase64URL(blob)
	if err != nil {
		return fmt.Errorf("%w: base64: %v", ErrCorruptData, err)
	}

	plaintext, err := c.cipher.Open(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: json: %v", ErrCorruptData, err)
	}
	return nil
}

// DecodeLegacy tries Decode first and then falls back to parsing blob as
// plaintext JSON, which is how memory documents were stored before
// encryption. legacy reports that the fallback served the call. Both paths
// failing yields ErrCorruptData.
func (c *Codec) DecodeLegacy(blob []byte, v any) (legacy bool, err error) {
	if err := c.ready(); err != nil {
		return false, err
	}

	strictErr := c.Decode(blob, v)
	if strictErr == nil {
		return false, nil
	}

	if !json.Valid(blob) {
		return false, strictErr
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return false, fmt.Errorf("%w: legacy json: %v", ErrCorruptData, err)
	}
	return true, nil
}

// decodeBase64URL accepts padded and unpadded url-safe base64.
func decodeBase64URL(b []byte) ([]byte, error) {
	out := make([]byte, base64.URLEncoding.DecodedLen(len(b)))
	n, err := base64.URLEncoding.Decode(out, b)
	if err == nil {
		return out[:n], nil
	}
	out = make([]byte, base64.RawURLEncoding.DecodedLen(len(b)))
	n, rawErr := base64.RawURLEncoding.Decode(out, b)
	if rawErr != nil {
		return nil, err
	}
	return out[:n], nil
}
