package engine

import "errors"

var (
	// ErrNotAuthorized means the caller is not the owner of the entity.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrValidation covers malformed or missing input before any state is touched.
	ErrValidation = errors.New("validation error")
)
