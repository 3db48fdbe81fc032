package types

import "errors"

// ULID-related errors
var (
	// ErrInvalidULIDLength is returned when a ULID string has incorrect length
	ErrInvalidULIDLength = errors.New("invalid ULID length")

	// ErrInvalidULIDCharacter is returned when a ULID string contains invalid characters
	ErrInvalidULIDCharacter = errors.New("invalid ULID character")

	// ErrULIDOverflow is returned when a ULID string encodes more than 128 bits
	ErrULIDOverflow = errors.New("ULID overflows 128 bits")
)
