package errors

import "errors"

// Client errors.
var (
	ErrNotConnected   = errors.New("push channel not connected")
	ErrContentTooLong = errors.New("message content exceeds length limit")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrUnknownMessage = errors.New("unknown message id")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
