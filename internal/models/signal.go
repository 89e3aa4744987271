package models

import (
	"bytes"
	"encoding/json"
)

// Signal is an observed value that may be absent. Absence is distinct from the
// zero value, so an unset TTL never compares equal to a TTL of 0.
type Signal[T comparable] struct {
	Value T
	Valid bool
}

func Some[T comparable](v T) Signal[T] {
	return Signal[T]{Value: v, Valid: true}
}

func None[T comparable]() Signal[T] {
	return Signal[T]{}
}

// SomeString treats the empty string as absent.
func SomeString(v string) Signal[string] {
	if v == "" {
		return Signal[string]{}
	}
	return Some(v)
}

func (s Signal[T]) Get() (T, bool) {
	return s.Value, s.Valid
}

// OrElse returns the value or def when absent.
func (s Signal[T]) OrElse(def T) T {
	if !s.Valid {
		return def
	}
	return s.Value
}

// Compare reports whether both sides are present and, if so, whether they agree.
func (s Signal[T]) Compare(other Signal[T]) (known, match bool) {
	if !s.Valid && !other.Valid {
		return false, false
	}
	if s.Valid != other.Valid {
		return true, false
	}
	return true, s.Value == other.Value
}

func (s Signal[T]) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

func (s *Signal[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Signal[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Some(v)
	return nil
}
