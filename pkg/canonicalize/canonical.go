// Package canonicalize provides deterministic JSON serialization and
// content hashing for action contracts, state models, and audit records.
//
// The canonical form sorts object keys lexicographically by UTF-8 bytes,
// uses "," and ":" separators with no insignificant whitespace, and
// escapes every non-ASCII rune as \uXXXX so the byte stream is identical
// across platforms and locales.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/crypto/blake2b"
)

// Canonical returns the canonical JSON representation of v.
func Canonical(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are respected,
	// then decode to generic values and re-marshal with canonical rules.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// StableHash returns a short collision-resistant digest of the canonical
// form of v: BLAKE2b with a 12-byte digest, hex encoded (24 chars).
// Used for state ids, element ids, and response shape hashes where a full
// SHA-256 digest would bloat extracted state.
func StableHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return StableHashBytes(b), nil
}

// StableHashBytes is StableHash over a pre-serialized byte stream.
func StableHashBytes(data []byte) string {
	digest := blake2b.Sum256(data)
	return hex.EncodeToString(digest[:12])
}

// ShortHash returns an 8-byte BLAKE2b digest of a seed string, hex
// encoded (16 chars). Used for element, frame, and form identities.
func ShortHash(seed string) string {
	digest, err := blake2b.New(8, nil)
	if err != nil {
		panic(err)
	}
	digest.Write([]byte(seed))
	return hex.EncodeToString(digest.Sum(nil))
}

// EstimateTokens approximates the token cost of v as one token per four
// bytes of canonical JSON, never less than one.
func EstimateTokens(v interface{}) (int, error) {
	b, err := Canonical(v)
	if err != nil {
		return 0, err
	}
	n := len(b) / 4
	if n < 1 {
		n = 1
	}
	return n, nil
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case float64:
		// Fallback for callers handing in raw floats.
		buf.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		encodeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := marshalRecursive(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// encodeString writes s as a JSON string with every rune outside
// printable ASCII escaped as \uXXXX (surrogate pairs above the BMP).
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20 || r > 0x7e:
				if r > 0xffff {
					hi, lo := utf16.EncodeRune(r)
					fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			default:
				buf.WriteByte(byte(r))
			}
		}
	}
	buf.WriteByte('"')
}
