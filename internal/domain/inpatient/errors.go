package inpatient

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the service wraps exactly one of them.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("concurrent modification, retry with fresh state")
)

var (
	ErrBedNotAvailable        = fmt.Errorf("bed is not available: %w", ErrInvalidState)
	ErrAdmissionNotActive     = fmt.Errorf("admission is not active: %w", ErrInvalidState)
	ErrBedOccupied            = fmt.Errorf("bed has an active admission: %w", ErrInvalidState)
	ErrAlreadyInBed           = fmt.Errorf("patient already occupies that bed: %w", ErrInvalidState)
	ErrPatientAlreadyAdmitted = fmt.Errorf("patient already has an active admission: %w", ErrInvalidState)
	ErrGenderRestricted       = fmt.Errorf("ward gender restriction does not allow this patient: %w", ErrInvalidState)
	ErrWardInUse              = fmt.Errorf("ward has active admissions: %w", ErrInvalidState)
	ErrDuplicate              = fmt.Errorf("already exists: %w", ErrValidation)
)

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
