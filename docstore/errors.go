package docstore

import "errors"

// errors.go provides all custom error types for the docstore package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for store lifecycle
var (
	ErrStoreClosed = errors.New("document store is closed")
)

// used for the websocket store protocol
var (
	ErrMalformedMessage = errors.New("malformed store message")
	ErrWriteRejected    = errors.New("overwrite rejected by the store")
)
