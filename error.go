package btfile

import "errors"

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("tree is closed")
	ErrKeyEmpty       = errors.New("key cannot be empty")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrCorruption     = errors.New("data corruption detected")
	ErrCannotOpen     = errors.New("cannot open tree file")
	ErrInvalidConfig  = errors.New("invalid tree configuration")
)
