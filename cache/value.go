package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind discriminates the variants a Value can hold. The string form is what the
// persisted backends store in their type column.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBoolean
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// ParseKind maps a stored type name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "boolean":
		return KindBoolean, nil
	case "object":
		return KindObject, nil
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Value is a closed union of string, number, boolean and structured object.
// The zero Value is invalid and is never stored.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	obj  any
}

// String builds a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBoolean, b: b} }

// Object builds a structured Value. obj must be encodable as JSON; maps, slices
// and nested combinations of them are the expected shapes.
func Object(obj any) Value { return Value{kind: KindObject, obj: obj} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBoolean }
func (v Value) AsObject() (any, bool)     { return v.obj, v.kind == KindObject }

// Interface returns the held value as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBoolean:
		return v.b
	case KindObject:
		return v.obj
	default:
		return nil
	}
}

// Encode serializes v to its kind and canonical text form.
func Encode(v Value) (Kind, string, error) {
	switch v.kind {
	case KindString:
		return KindString, v.str, nil
	case KindNumber:
		return KindNumber, strconv.FormatFloat(v.num, 'g', -1, 64), nil
	case KindBoolean:
		return KindBoolean, strconv.FormatBool(v.b), nil
	case KindObject:
		raw, err := json.Marshal(v.obj)
		if err != nil {
			return KindInvalid, "", fmt.Errorf("cache: encode object: %w", err)
		}
		return KindObject, string(raw), nil
	}
	return KindInvalid, "", ErrInvalidKind
}

// Decode reverses Encode.
func Decode(kind Kind, text string) (Value, error) {
	switch kind {
	case KindString:
		return String(text), nil
	case KindNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("cache: decode number: %w", err)
		}
		return Number(f), nil
	case KindBoolean:
		return Bool(text == "true"), nil
	case KindObject:
		var obj any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return Value{}, fmt.Errorf("cache: decode object: %w", err)
		}
		return Object(obj), nil
	}
	return Value{}, ErrInvalidKind
}

// MarshalJSON writes the value in its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return nil, ErrInvalidKind
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON infers the kind from the JSON token. Arrays and objects both
// become KindObject; null is rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: null", ErrInvalidKind)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		*v = String(t)
	case float64:
		*v = Number(t)
	case bool:
		*v = Bool(t)
	default:
		*v = Object(t)
	}
	return nil
}
