package ir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// bytesKey marks a Bytes value in the canonical encoding: {"$b64":"..."}.
// Objects are otherwise never column values, so the form is unambiguous.
const bytesKey = "$b64"

// EncodeValue produces the canonical encoding of a column value.
// This is the ONLY encoding persisted by the store and the one compared by
// uniqueness lookups, so two equal values always produce equal bytes.
func EncodeValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return marshalCanonicalString(string(val))
	case Int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case Bool:
		return strconv.AppendBool(nil, bool(val)), nil
	case Bytes:
		var buf bytes.Buffer
		buf.WriteString(`{"` + bytesKey + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString(`"}`)
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// MustEncodeValue is EncodeValue for values known to be valid (constants, tests).
func MustEncodeValue(v Value) []byte {
	b, err := EncodeValue(v)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeValue parses the canonical encoding back into a Value.
// Fractional numbers are rejected.
func DecodeValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty value encoding")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return nil, fmt.Errorf("invalid value encoding %q", data)
		}
		return Null{}, nil
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid bool encoding %q", data)
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid string encoding: %w", err)
		}
		return String(s), nil
	case '{':
		var obj map[string]string
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("invalid bytes encoding: %w", err)
		}
		enc, ok := obj[bytesKey]
		if !ok || len(obj) != 1 {
			return nil, fmt.Errorf("objects are not column values: %s", data)
		}
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes encoding: %w", err)
		}
		return Bytes(b), nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("floats are not supported: %s", data)
		}
		return Int(n), nil
	}
}

// MarshalCanonical produces RFC 8785 style canonical JSON for documents built
// from maps, slices and scalars. Used for content-addressed ids and golden
// output, never for column values (see EncodeValue).
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Floats are rejected
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case Value:
		return EncodeValue(val)
	case string:
		return marshalCanonicalString(val)
	case bool:
		return strconv.AppendBool(nil, val), nil
	case int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	case uint64:
		return strconv.AppendUint(nil, val, 10), nil
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return marshalCanonicalArray(arr)
	case []any:
		return marshalCanonicalArray(val)
	case map[string]any:
		return marshalCanonicalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalCanonicalString produces a canonical JSON string with NFC normalization.
// Only control characters, backslash and quote are escaped.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	// encoding/json escapes U+2028 and U+2029 for JavaScript; canonical JSON
	// keeps them literal.
	return unescapeLineSeparators(out), nil
}

// unescapeLineSeparators turns \u2028 and \u2029 escapes back into literal
// characters, leaving \\u2028 (an escaped backslash followed by text) alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if data[i+1] == 'u' && i+5 < len(data) && string(data[i+2:i+5]) == "202" && (data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		// Any other escape: copy both bytes so an escaped backslash is never
		// mistaken for the start of \u2028.
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// compareUTF16 orders strings by UTF-16 code units as RFC 8785 requires.
// Go's native string comparison is UTF-8 and differs for astral characters.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
