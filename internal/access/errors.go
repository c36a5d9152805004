package access

import "errors"

var (
	ErrForbidden           = errors.New("access: forbidden")
	ErrNotFound            = errors.New("access: not found")
	ErrInvalidInput        = errors.New("access: invalid input")
	ErrDuplicateKey        = errors.New("access: duplicate key")
	ErrDuplicateAssignment = errors.New("access: duplicate assignment")
	ErrUnknownPermission   = errors.New("access: unknown permission")
	ErrProtectedRole       = errors.New("access: protected role")
	ErrInvalidExpiry       = errors.New("access: invalid expiry")
)
