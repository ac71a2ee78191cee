package domain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// CanonicalJSON serializes content with sorted keys, no insignificant
// whitespace and no HTML escaping.
func CanonicalJSON(content map[string]any) ([]byte, error) {
	if content == nil {
		content = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(content); err != nil {
		return nil, fmt.Errorf("%w: content is not serializable: %v", ErrValidation, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentHash is the hex SHA3-256 digest of the canonical content. It is used
// for dedup auditing only.
func ContentHash(content map[string]any) (string, error) {
	raw, err := CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
