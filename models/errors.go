package models

import "errors"

var (
	// ErrDecryption means the payload was not addressed to the caller. Batch
	// readers skip it and keep going.
	ErrDecryption = errors.New("decryption failed")
	// ErrValidation is returned before any network I/O for malformed input.
	ErrValidation = errors.New("invalid input")
	// ErrNetwork is returned only when every targeted relay failed.
	ErrNetwork           = errors.New("all relays failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrMalformedEvent    = errors.New("malformed event")
)
