// Package redact strips secrets from strings, errors and log attributes.
//
// Embedding providers echo a rejected API key back in their error text, and
// configuration dumps include the key fields. Everything that reaches a log
// line from those paths goes through here first.
package redact

import (
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen keeps short values from blanking out common substrings.
const minSecretLen = 4

// scrub replaces every occurrence of each secret in s with [REDACTED].
func scrub(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// Error returns err with secrets removed from its message. errors.Is and
// errors.As still see the original chain. A nil err stays nil, and an error
// whose text holds no secret is returned unchanged.
func Error(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := scrub(msg, secrets...)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, err: err}
}

// Attrs flattens fields into slog key/value pairs sorted by key. A non-empty
// string under a key that looks like a secret (key, token, secret, password,
// auth, credential) is replaced with [REDACTED].
func Attrs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		v := fields[k]
		if s, ok := v.(string); ok && s != "" && sensitive(k) {
			v = placeholder
		}
		out = append(out, k, v)
	}
	return out
}

func sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
