package analysis

import "errors"

var (
	// ErrUnknownModule is returned when a selection names a module the
	// registry does not hold.
	ErrUnknownModule = errors.New("unknown analysis module")

	// ErrDuplicateModule is returned when a module ID is registered
	// twice.
	ErrDuplicateModule = errors.New("analysis module already registered")
)
