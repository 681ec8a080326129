package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the scalar and composite values a
// storage cell may hold and a value capture may freeze.
// Only IRNull, IRString, IRInt, IRBool, IRArray, and IRObject implement it.
// There is no float variant: captured numbers are int64.
type IRValue interface {
	irValue()
}

// IRNull is the explicit "no value" of a cell (an optional set to nil).
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString is a string value.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. Always int64, never float64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject maps string keys to values.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's native string ordering compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// MarshalJSON writes the object with sorted keys. This is NOT the canonical
// encoding (HTML characters may be escaped); use MarshalCanonical for ids.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := decodeIRValue(data, true)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// MarshalIRValue marshals an IRValue to (non-canonical) JSON bytes.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// UnmarshalIRValue decodes JSON into an IRValue.
// Floats are rejected; null decodes to IRNull.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	return decodeIRValue(data, true)
}

func decodeIRValue(data []byte, allowNull bool) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return fromDecoded(raw, allowNull)
}

func fromDecoded(v any, allowNull bool) (IRValue, error) {
	if n, ok := v.(json.Number); ok {
		s := string(n)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in IR: %s", s)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return IRInt(i), nil
	}
	if v == nil && !allowNull {
		return nil, fmt.Errorf("null is forbidden here")
	}
	return FromAny(v)
}

// FromAny converts a decoded Go value (from YAML, CUE or encoding/json) into
// an IRValue. Integral float64 values are accepted because some decoders
// produce them for whole numbers; fractional values are rejected.
func FromAny(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("floats are forbidden in IR: %v", val)
		}
		return IRInt(int64(val)), nil
	case json.Number:
		return fromDecoded(val, true)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// Format renders a value for logs and text output.
func Format(v IRValue) string {
	if v == nil {
		return "<absent>"
	}
	data, err := MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	return string(data)
}

// Clone returns a deep copy of v. Scalars are returned as is.
func Clone(v IRValue) IRValue {
	switch t := v.(type) {
	case IRArray:
		out := make(IRArray, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case IRObject:
		out := make(IRObject, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}
