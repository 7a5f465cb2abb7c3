package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the input was rejected by validation or constraints.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrInvalidState indicates the entity is in a state incompatible with the operation.
	ErrInvalidState = errors.New("repository: invalid state")
	// ErrConflict indicates a uniqueness constraint prevented the write.
	ErrConflict = errors.New("repository: conflict")
)
