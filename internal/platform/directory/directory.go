// Package directory resolves display data for patients and staff members.
// Lookups are advisory: callers store ids regardless of the outcome.
package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("directory entry not found")

type Patient struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	MRN    string    `json:"mrn"`
	Gender string    `json:"gender,omitempty"`
}

type Staff struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PatientDirectory interface {
	LookupPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type StaffDirectory interface {
	LookupStaff(ctx context.Context, userID string) (*Staff, error)
}

// Nop resolves nothing.
type Nop struct{}

func (Nop) LookupPatient(context.Context, uuid.UUID) (*Patient, error) { return nil, ErrNotFound }
func (Nop) LookupStaff(context.Context, string) (*Staff, error)       { return nil, ErrNotFound }
