package ir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the concrete type behind a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindBool
	KindBytes
)

// String returns the schema type name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a schema type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "string":
		return KindString, nil
	case "int":
		return KindInt, nil
	case "bool":
		return KindBool, nil
	case "bytes":
		return KindBytes, nil
	default:
		return KindNull, fmt.Errorf("unknown field type %q (want string, int, bool or bytes)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	if string(text) == "null" {
		*k = KindNull
		return nil
	}
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is a sealed interface representing a single column value.
// Only Null, String, Int, Bool and Bytes implement it.
// There is deliberately no float: replicas must agree byte-for-byte.
type Value interface {
	Kind() Kind
	value() // sealed
}

// Null is the absent value. A column set to Null keeps its clock entry.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) value()     {}

// String is a UTF-8 text value. It is NFC-normalized when encoded.
type String string

func (String) Kind() Kind { return KindString }
func (String) value()     {}

// Int is a 64-bit signed integer value.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) value()     {}

// Bool is a boolean value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// Bytes is an opaque binary value.
type Bytes []byte

func (Bytes) Kind() Kind { return KindBytes }
func (Bytes) value()     {}

// IsEmpty reports whether v carries no information: nil, Null, an empty
// string or empty bytes. Empty values never take part in uniqueness or
// reference checks.
func IsEmpty(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return true
	case String:
		return val == ""
	case Bytes:
		return len(val) == 0
	default:
		return false
	}
}

// Equal compares two values by their canonical encoding.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	ea, errA := EncodeValue(a)
	eb, errB := EncodeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// Display renders a value for humans (CLI output, log attributes).
// It is not an encoding; use EncodeValue for anything persisted.
func Display(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Bool:
		return strconv.FormatBool(bool(val))
	case Bytes:
		return base64.StdEncoding.EncodeToString(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FromAny converts a decoded Go value (from YAML, JSON or flags) to a Value.
// Integral floats are accepted because encoding/json decodes every number
// as float64; fractional floats are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || math.IsNaN(val) {
			return nil, fmt.Errorf("floats are not supported: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not supported: %s", val)
		}
		return Int(n), nil
	case []byte:
		return Bytes(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Coerce converts v to kind k where the conversion is lossless, for values
// that arrive untyped (CLI flags, YAML fixtures). Null passes through.
func Coerce(v Value, k Kind) (Value, error) {
	if v == nil {
		return Null{}, nil
	}
	if v.Kind() == k || v.Kind() == KindNull {
		return v, nil
	}
	switch k {
	case KindString:
		if s, ok := v.(String); ok {
			return s, nil
		}
	case KindInt:
		if s, ok := v.(String); ok {
			n, err := strconv.ParseInt(string(s), 10, 64)
			if err == nil {
				return Int(n), nil
			}
		}
	case KindBool:
		if s, ok := v.(String); ok {
			b, err := strconv.ParseBool(string(s))
			if err == nil {
				return Bool(b), nil
			}
		}
		if n, ok := v.(Int); ok && (n == 0 || n == 1) {
			return Bool(n == 1), nil
		}
	case KindBytes:
		if s, ok := v.(String); ok {
			b, err := base64.StdEncoding.DecodeString(string(s))
			if err == nil {
				return Bytes(b), nil
			}
		}
	}
	return nil, fmt.Errorf("cannot use %s value as %s", v.Kind(), k)
}
