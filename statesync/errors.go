package statesync

import "errors"

// errors.go provides all custom error types for the statesync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used when decoding a remote record into an element sequence
var (
	ErrMissingElementsField = errors.New("record is missing the elements field")
	ErrMalformedElements    = errors.New("elements field is not a list")
	ErrMalformedElement     = errors.New("element is not a record")
)
