package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical encodes v as compact JSON with object keys sorted at every depth
// and without HTML escaping. Two structurally equal payloads always produce
// the same bytes.
func Canonical(v any) ([]byte, error) {
	// Round-trip raw messages and structs through a generic value so that
	// key order no longer depends on the source representation.
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return out, nil
}

// Sign computes the hex-encoded HMAC-SHA256 of the canonical form of data.
func Sign(data any, secret string) (string, error) {
	canonical, err := Canonical(data)
	if err != nil {
		return "", err
	}
	return SignBytes(canonical, secret), nil
}

// SignBytes computes the hex-encoded HMAC-SHA256 of payload as-is.
func SignBytes(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the canonical form of data in constant time.
func Verify(data any, secret, signature string) bool {
	expected, err := Sign(data, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
