package mardao

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("mardao: invalid argument")
	ErrUnknownProperty = errors.New("mardao: unknown property")
)

// MappingError reports a record that could not be turned into a domain value.
// The Dao logs it and skips the record.
type MappingError struct {
	Kind   string
	Column string // empty when construction itself failed
	Err    error
}

func (e *MappingError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("mardao: map %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mardao: map %s.%s: %v", e.Kind, e.Column, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
