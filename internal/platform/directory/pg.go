package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/inpatient/internal/platform/db"
)

// PG reads the patient and practitioner tables that live next to the
// inpatient tables in the tenant schema.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (d *PG) conn(ctx context.Context) interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
} {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return d.pool
}

func (d *PG) LookupPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var first, last, mrn, gender *string
	err := d.conn(ctx).QueryRow(ctx,
		`SELECT first_name, last_name, mrn, gender FROM patient WHERE id = $1`, id).
		Scan(&first, &last, &mrn, &gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	return &Patient{
		ID:     id,
		Name:   fullName(first, last),
		MRN:    deref(mrn),
		Gender: strings.ToLower(deref(gender)),
	}, nil
}

func (d *PG) LookupStaff(ctx context.Context, userID string) (*Staff, error) {
	var first, last *string
	err := d.conn(ctx).QueryRow(ctx,
		`SELECT first_name, last_name FROM practitioner WHERE id::text = $1 OR fhir_id = $1 LIMIT 1`, userID).
		Scan(&first, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup staff: %w", err)
	}
	return &Staff{ID: userID, Name: fullName(first, last)}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fullName(first, last *string) string {
	return strings.TrimSpace(deref(first) + " " + deref(last))
}
