package opflow

import (
	"fmt"
	"reflect"
)

// Key addresses one row of orchestration state. Two keys address the same
// row iff they are structurally equal, so keys must come from a closed set
// of value shapes: primitives, enum-like tokens, type tokens, or ordered
// tuples of those. Identity-based values (pointers, channels, funcs) and
// non-comparable values (maps, slices) are rejected at the boundary.
type Key any

// TypeToken is a key derived from a value's kind rather than its instance.
// All owners of the same type share one status line.
type TypeToken struct {
	t reflect.Type
}

func (k TypeToken) String() string {
	if k.t == nil {
		return "type[nil]"
	}
	return "type[" + k.t.String() + "]"
}

// KindOf normalizes an owner value to its kind. Pointers are unwrapped so
// *Thing and Thing produce the same token.
func KindOf(owner any) TypeToken {
	t := reflect.TypeOf(owner)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return TypeToken{t: t}
}

// KindOfType returns the type token for T without needing an instance.
func KindOfType[T any]() TypeToken {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return TypeToken{t: t}
}

// Pair is an ordered two-element tuple key.
type Pair[A, B comparable] struct {
	First  A
	Second B
}

// Triple is an ordered three-element tuple key.
type Triple[A, B, C comparable] struct {
	First  A
	Second B
	Third  C
}

// tupleKey marks the tuple shapes so an invalid element is reported
// instead of collapsing the tuple to its kind like a bare owner value.
type tupleKey interface{ tupleKey() }

func (Pair[A, B]) tupleKey() {}

func (Triple[A, B, C]) tupleKey() {}

// PairOf builds a tuple key from two comparable parts.
func PairOf[A, B comparable](a A, b B) Pair[A, B] {
	return Pair[A, B]{First: a, Second: b}
}

// TripleOf builds a tuple key from three comparable parts.
func TripleOf[A, B, C comparable](a A, b B, c C) Triple[A, B, C] {
	return Triple[A, B, C]{First: a, Second: b, Third: c}
}

// NormalizeKey validates k against the allowed key shapes and returns the
// canonical form. Owner instances whose type is not itself a valid key shape
// are normalized to their kind via KindOf.
func NormalizeKey(k any) (Key, error) {
	if k == nil {
		return nil, &ConfigError{Reason: "nil key"}
	}
	if err := validateKeyShape(reflect.TypeOf(k)); err != nil {
		if _, isTuple := k.(tupleKey); isTuple {
			// A tuple carrying an identity-based element is a mistake,
			// not an owner to normalize.
			return nil, err
		}
		// Structs and pointers that are not key shapes stand for "the
		// owner itself" and collapse to their kind.
		switch reflect.TypeOf(k).Kind() {
		case reflect.Ptr, reflect.Struct:
			return KindOf(k), nil
		}
		return nil, err
	}
	return k, nil
}

// MustKey is NormalizeKey for keys known valid at compile time; it panics on
// an invalid shape.
func MustKey(k any) Key {
	key, err := NormalizeKey(k)
	if err != nil {
		panic(err)
	}
	return key
}

func validateKeyShape(t reflect.Type) error {
	if t == nil {
		return &ConfigError{Reason: "nil key"}
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return nil
	case reflect.Struct:
		if t == reflect.TypeOf(TypeToken{}) {
			return nil
		}
		for i := 0; i < t.NumField(); i++ {
			if err := validateKeyShape(t.Field(i).Type); err != nil {
				return fmt.Errorf("key field %s: %w", t.Field(i).Name, err)
			}
		}
		return nil
	case reflect.Array:
		return validateKeyShape(t.Elem())
	default:
		return &ConfigError{Reason: fmt.Sprintf("key kind %s is identity-based or not comparable", t.Kind())}
	}
}
