package models

import "errors"

var (
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrUnknownOperation = errors.New("unknown operation")
)
