package inpatient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reader exposes committed catalog and admission state.
type Reader interface {
	GetWard(ctx context.Context, id uuid.UUID) (*Ward, error)
	ListWards(ctx context.Context, f WardFilter) ([]*Ward, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context, wardID uuid.UUID) ([]*Room, error)
	GetBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	ListBeds(ctx context.Context, f BedFilter, limit, offset int) ([]*Bed, int, error)
	GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error)
	ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error)
	ListAdmissionsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Admission, error)
	ActiveAdmissionForPatient(ctx context.Context, orgID, patientID uuid.UUID) (*Admission, error)
}

// BedSwap is a conditional bed update. It applies only while the bed is
// active, still has status Expected and, when ExpectedAdmission is set, still
// references that admission. Otherwise the store returns ErrConflict.
type BedSwap struct {
	BedID             uuid.UUID
	Expected          BedStatus
	ExpectedAdmission *uuid.UUID
	Next              BedStatus
	AdmissionID       *uuid.UUID
	At                time.Time
}

// Tx is a unit of work. Reads observe committed state only. Nothing
// written through a Tx is visible until RunInTx returns nil.
type Tx interface {
	Reader

	InsertWard(ctx context.Context, w *Ward) error
	// DeactivateWard clears the active flag while no bed of the ward holds an
	// admission, otherwise it returns ErrWardInUse.
	DeactivateWard(ctx context.Context, id uuid.UUID, at time.Time) error
	// AdjustWard adds delta to the tally of an active ward.
	AdjustWard(ctx context.Context, wardID uuid.UUID, delta Tally, at time.Time) error

	InsertRoom(ctx context.Context, r *Room) error
	AdjustRoom(ctx context.Context, roomID uuid.UUID, delta RoomDelta, at time.Time) error

	InsertBed(ctx context.Context, b *Bed) error
	SwapBed(ctx context.Context, swap BedSwap) error
	// RetireBed deactivates a bed that is still in the expected status.
	RetireBed(ctx context.Context, bedID uuid.UUID, expected BedStatus, at time.Time) error

	InsertAdmission(ctx context.Context, a *Admission) error
	// UpdateAdmission writes location, status and closing fields of a while
	// its stored status still equals expected, otherwise ErrConflict.
	UpdateAdmission(ctx context.Context, a *Admission, expected AdmissionStatus) error
	AppendTransfer(ctx context.Context, admissionID uuid.UUID, rec *TransferRecord) error
}

// Store is the record store behind the service.
type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// ReconcileWard recounts the active beds of a ward while holding the ward
	// exclusively. The stored ward tally and room counters are overwritten
	// where they differ from the recount.
	ReconcileWard(ctx context.Context, wardID uuid.UUID, at time.Time) (*WardRecount, error)
}

// WardRecount is a ward's stored tally next to a recount of its beds.
// Rooms holds actual minus recorded for each room whose counters drifted.
type WardRecount struct {
	Recorded Tally
	Actual   Tally
	Rooms    map[uuid.UUID]RoomDelta
}
