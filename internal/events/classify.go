package events

import (
	"encoding/json"
	"errors"
)

// Class tells the dispatcher whether a failure is worth retrying.
type Class int

const (
	ClassTransient Class = iota
	ClassPoison
)

func (c Class) String() string {
	if c == ClassPoison {
		return "poison"
	}
	return "transient"
}

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnknownType     = errors.New("unknown event type")
	ErrAmbiguousType   = errors.New("ambiguous event type")
)

// PoisonError marks a failure that can never succeed on retry.
type PoisonError struct {
	Reason string
	Err    error
}

func (e *PoisonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *PoisonError) Unwrap() error {
	return e.Err
}

// Poison wraps err so Classify reports ClassPoison.
func Poison(reason string, err error) error {
	return &PoisonError{Reason: reason, Err: err}
}

// Classify maps a handler or decoding failure onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var poisonErr *PoisonError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &poisonErr),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidState):
		return ClassPoison
	}
	return ClassTransient
}
