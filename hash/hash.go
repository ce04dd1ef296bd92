// Package hash provides the canonical encoding and digests that identify
// records and link blocks.
package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd" // simd optimized sha256 computation
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Size is the length of a hex encoded digest.
const Size = 2 * sha256.Size

// ErrInvalidUTF8 is returned for values holding strings that are not valid
// UTF-8. Those cannot be encoded without losing bytes.
var ErrInvalidUTF8 = errors.New("string is not valid UTF-8")

// Sum returns the hex encoded sha256 of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// Digest returns the hex encoded sha256 of the canonical encoding of v.
func Digest(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// Canonical encodes v as JSON with object keys sorted lexicographically and
// no insignificant whitespace. Two values holding the same keys and values
// encode to the same bytes regardless of field or insertion order.
// Strings and keys must be valid UTF-8.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	if replacedInvalidUTF8(raw) {
		return nil, ErrInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(v.String())
	case string:
		return encodeString(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value of type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding string: %w", err)
	}
	buf.Write(enc)
	return nil
}

// replacedInvalidUTF8 reports whether the JSON encoder substituted U+FFFD
// for invalid bytes. The encoder writes a genuine U+FFFD rune unescaped, so
// the escaped form only shows up for substitutions.
func replacedInvalidUTF8(raw []byte) bool {
	escaped := []byte(`ufffd`)
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if bytes.HasPrefix(raw[i+1:], escaped) {
			return true
		}
		i++
	}
	return false
}
