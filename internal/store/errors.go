package store

import "errors"

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrInvalidState    = errors.New("invalid patient state")
	ErrDuplicateToken  = errors.New("duplicate token number")
)
