// Package canon implements deterministic content canonicalisation and hashing.
// The canonical form is a fixed contract: sorted object keys, normalised line
// endings, timestamp fields excluded. Any change here is a breaking protocol
// version bump (see SchemaVersion).
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion versions the canonicalisation contract. It participates in
// every request hash, so changing the algorithm invalidates deduplication
// against artifacts produced under the old contract.
const SchemaVersion = "1"

// timestampKeys are excluded from canonical bytes at every nesting depth.
// Timestamps never enter a hash.
//
//nolint:gochecknoglobals // Fixed protocol contract
var timestampKeys = map[string]bool{
	"timestamp":    true,
	"created_at":   true,
	"approved_at":  true,
	"requested_at": true,
	"reviewed_at":  true,
	"executed_at":  true,
	"started_at":   true,
	"completed_at": true,
}

// Text normalises line endings of text content to LF.
func Text(s string) []byte {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}

// JSON serialises a value to deterministic canonical bytes: object keys sorted,
// timestamp keys dropped, numbers preserved verbatim, no insignificant whitespace.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if timestampKeys[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical key %q: %w", k, err)
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	case string:
		// Normalise line endings inside string values too, so Markdown bodies
		// embedded in structured artifacts hash identically across platforms.
		s, err := json.Marshal(strings.ReplaceAll(strings.ReplaceAll(val, "\r\n", "\n"), "\r", "\n"))
		if err != nil {
			return fmt.Errorf("canonical string: %w", err)
		}
		buf.Write(s)
		return nil

	default:
		s, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical value: %w", err)
		}
		buf.Write(s)
		return nil
	}
}

// Hash returns the lowercase 64-character hex SHA-256 of the given bytes.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalises a value and hashes the canonical bytes.
func HashJSON(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashText normalises text content and hashes it.
func HashText(s string) string {
	return Hash(Text(s))
}

// IsHash reports whether s looks like a lowercase hex SHA-256.
func IsHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// RequestHash computes H(envelope_name ‖ input_hashes ‖ schema_version) for
// retry-safe deduplication. Roles are folded in sorted order.
func RequestHash(envelopeName string, inputHashes map[string]string, schemaVersion string) string {
	roles := make([]string, 0, len(inputHashes))
	for role := range inputHashes {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var b strings.Builder
	b.WriteString(envelopeName)
	for _, role := range roles {
		b.WriteByte('\x00')
		b.WriteString(role)
		b.WriteByte('=')
		b.WriteString(inputHashes[role])
	}
	b.WriteByte('\x00')
	b.WriteString(schemaVersion)
	return Hash([]byte(b.String()))
}
