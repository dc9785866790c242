package inpatient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/inpatient/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// mapPgError turns constraint violations into domain errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "admission_one_active_per_patient":
			return ErrPatientAlreadyAdmitted
		case "admission_one_active_per_bed":
			return ErrConflict
		}
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrDuplicate)
	}
	return err
}

func rowsAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// =========== Reads ===========

type pgReader struct {
	q func(ctx context.Context) queryable
}

const wardCols = `id, organization_id, name, code, ward_type, gender_restriction, floor, building, description,
	total_beds, available_beds, occupied_beds, reserved_beds, cleaning_beds, maintenance_beds,
	isolation_beds, blocked_beds, active, COALESCE(created_by, ''), created_at, updated_at`

func scanWard(row pgx.Row) (*Ward, error) {
	var w Ward
	err := row.Scan(&w.ID, &w.OrganizationID, &w.Name, &w.Code, &w.Type, &w.GenderRestriction,
		&w.Floor, &w.Building, &w.Description,
		&w.Total, &w.Available, &w.Occupied, &w.Reserved, &w.Cleaning, &w.Maintenance,
		&w.Isolation, &w.Blocked, &w.Active, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	return &w, err
}

const roomCols = `id, ward_id, room_number, room_type, total_beds, available_beds,
	has_bathroom, has_oxygen, has_suction, active, created_at, updated_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.WardID, &r.RoomNumber, &r.RoomType, &r.TotalBeds, &r.AvailableBeds,
		&r.HasBathroom, &r.HasOxygen, &r.HasSuction, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

const bedCols = `b.id, b.room_id, b.ward_id, b.bed_number, b.status, b.current_admission_id,
	b.has_monitor, b.has_oxygen, b.has_suction, b.has_ventilator, b.is_electric,
	b.active, b.status_changed_at, b.created_at, b.updated_at`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.RoomID, &b.WardID, &b.BedNumber, &b.Status, &b.CurrentAdmissionID,
		&b.HasMonitor, &b.HasOxygen, &b.HasSuction, &b.HasVentilator, &b.IsElectric,
		&b.Active, &b.StatusChangedAt, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

const admissionCols = `id, organization_id, admission_number, patient_id, patient_name, patient_mrn,
	ward_id, room_id, bed_id, admission_type, admission_source, admitting_diagnosis,
	admitting_physician_id, admitting_physician_name, admitted_by, admitted_by_name, admitted_at,
	expected_discharge_at, isolation_required, isolation_reason, notes, status,
	discharged_at, discharge_disposition, discharge_diagnosis, discharge_summary,
	follow_up_instructions, follow_up_date, discharged_by, discharged_by_name,
	time_of_death, cause_of_death, leave_reason, length_of_stay_days, created_at, updated_at`

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.OrganizationID, &a.AdmissionNumber, &a.PatientID, &a.PatientName, &a.PatientMRN,
		&a.WardID, &a.RoomID, &a.BedID, &a.AdmissionType, &a.AdmissionSource, &a.AdmittingDiagnosis,
		&a.AdmittingPhysicianID, &a.AdmittingPhysicianName, &a.AdmittedBy, &a.AdmittedByName, &a.AdmittedAt,
		&a.ExpectedDischargeAt, &a.IsolationRequired, &a.IsolationReason, &a.Notes, &a.Status,
		&a.DischargedAt, &a.DischargeDisposition, &a.DischargeDiagnosis, &a.DischargeSummary,
		&a.FollowUpInstructions, &a.FollowUpDate, &a.DischargedBy, &a.DischargedByName,
		&a.TimeOfDeath, &a.CauseOfDeath, &a.LeaveReason, &a.LengthOfStayDays, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func noRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what)
	}
	return err
}

func (r pgReader) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	w, err := scanWard(r.q(ctx).QueryRow(ctx, `SELECT `+wardCols+` FROM ward WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "ward")
	}
	return w, nil
}

func (r pgReader) ListWards(ctx context.Context, f WardFilter) ([]*Ward, error) {
	query := `SELECT ` + wardCols + ` FROM ward WHERE organization_id = $1`
	args := []interface{}{f.OrganizationID}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND ward_type = $%d", len(args))
	}
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY name"

	rows, err := r.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ward
	for rows.Next() {
		w, err := scanWard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r pgReader) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	rm, err := scanRoom(r.q(ctx).QueryRow(ctx, `SELECT `+roomCols+` FROM room WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "room")
	}
	return rm, nil
}

func (r pgReader) ListRooms(ctx context.Context, wardID uuid.UUID) ([]*Room, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT `+roomCols+` FROM room WHERE ward_id = $1 ORDER BY room_number`, wardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r pgReader) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.q(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM bed b WHERE b.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "bed")
	}
	return b, nil
}

func (r pgReader) ListBeds(ctx context.Context, f BedFilter, limit, offset int) ([]*Bed, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != uuid.Nil {
		add("w.organization_id = $%d", f.OrganizationID)
	}
	if f.WardID != nil {
		add("b.ward_id = $%d", *f.WardID)
	}
	if f.RoomID != nil {
		add("b.room_id = $%d", *f.RoomID)
	}
	if f.Status != "" {
		add("b.status = $%d", f.Status)
	}
	from := ` FROM bed b JOIN ward w ON w.id = b.ward_id WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.q(ctx).QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	tail, args := pageClause(args, limit, offset)
	query := `SELECT ` + bedCols + from + ` ORDER BY b.bed_number` + tail
	rows, err := r.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// pageClause appends the LIMIT/OFFSET placeholders to args. A limit of zero
// or less means no limit, as in MemoryStore.
func pageClause(args []interface{}, limit, offset int) (string, []interface{}) {
	var tail string
	if limit > 0 {
		args = append(args, limit)
		tail = fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, offset)
	return tail + fmt.Sprintf(" OFFSET $%d", len(args)), args
}

func (r pgReader) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.q(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admission WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "admission")
	}
	if err := r.loadTransfers(ctx, []*Admission{a}); err != nil {
		return nil, err
	}
	return a, nil
}

func (r pgReader) ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error) {
	where := []string{"organization_id = $1"}
	args := []interface{}{f.OrganizationID}
	if f.WardID != nil {
		args = append(args, *f.WardID)
		where = append(where, fmt.Sprintf("ward_id = $%d", len(args)))
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM admission WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	tail, args := pageClause(args, limit, offset)
	query := `SELECT ` + admissionCols + ` FROM admission WHERE ` + cond + ` ORDER BY admitted_at DESC, id` + tail
	list, err := r.queryAdmissions(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r pgReader) ListAdmissionsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Admission, error) {
	return r.queryAdmissions(ctx,
		`SELECT `+admissionCols+` FROM admission WHERE patient_id = $1 ORDER BY admitted_at DESC, id`, patientID)
}

func (r pgReader) ActiveAdmissionForPatient(ctx context.Context, orgID, patientID uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.q(ctx).QueryRow(ctx,
		`SELECT `+admissionCols+` FROM admission WHERE organization_id = $1 AND patient_id = $2 AND status = 'ADMITTED'`,
		orgID, patientID))
	if err != nil {
		return nil, noRows(err, "admission")
	}
	return a, nil
}

func (r pgReader) queryAdmissions(ctx context.Context, query string, args ...interface{}) ([]*Admission, error) {
	rows, err := r.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadTransfers(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadTransfers fills TransferHistory for every admission in one query.
func (r pgReader) loadTransfers(ctx context.Context, list []*Admission) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(list))
	byID := make(map[uuid.UUID]*Admission, len(list))
	for i, a := range list {
		ids[i] = a.ID
		a.TransferHistory = []TransferRecord{}
		byID[a.ID] = a
	}

	rows, err := r.q(ctx).Query(ctx, `
		SELECT admission_id, seq, from_bed_id, from_room_id, from_ward_id, to_bed_id, to_room_id, to_ward_id,
			reason, transferred_at, transferred_by, transferred_by_name
		FROM admission_transfer WHERE admission_id = ANY($1) ORDER BY admission_id, seq`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var admissionID uuid.UUID
		var t TransferRecord
		if err := rows.Scan(&admissionID, &t.Sequence, &t.FromBedID, &t.FromRoomID, &t.FromWardID,
			&t.ToBedID, &t.ToRoomID, &t.ToWardID, &t.Reason, &t.TransferredAt,
			&t.TransferredBy, &t.TransferredByName); err != nil {
			return err
		}
		if a := byID[admissionID]; a != nil {
			a.TransferHistory = append(a.TransferHistory, t)
		}
	}
	return rows.Err()
}

// =========== Store ===========

// PGStore is the Postgres Store. Tables live in the tenant schema selected by
// db.TenantMiddleware or db.WithTenant.
type PGStore struct {
	pgReader
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	s := &PGStore{pool: pool}
	s.pgReader = pgReader{q: s.conn}
	return s
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(newPGTx(tx))
	})
}

func (s *PGStore) ReconcileWard(ctx context.Context, wardID uuid.UUID, at time.Time) (*WardRecount, error) {
	rc := &WardRecount{}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		recorded := &rc.Recorded
		err := tx.QueryRow(ctx, `
			SELECT total_beds, available_beds, occupied_beds, reserved_beds, cleaning_beds,
				maintenance_beds, isolation_beds, blocked_beds
			FROM ward WHERE id = $1 FOR UPDATE`, wardID).
			Scan(&recorded.Total, &recorded.Available, &recorded.Occupied, &recorded.Reserved,
				&recorded.Cleaning, &recorded.Maintenance, &recorded.Isolation, &recorded.Blocked)
		if err != nil {
			return noRows(err, "ward")
		}

		rows, err := tx.Query(ctx, `SELECT status, COUNT(*) FROM bed WHERE ward_id = $1 AND active GROUP BY status`, wardID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var status BedStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return err
			}
			d := Added(status)
			for i := 0; i < n; i++ {
				rc.Actual = rc.Actual.Add(d)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if rc.Recorded != rc.Actual {
			a := rc.Actual
			if _, err := tx.Exec(ctx, `
				UPDATE ward SET total_beds=$2, available_beds=$3, occupied_beds=$4, reserved_beds=$5,
					cleaning_beds=$6, maintenance_beds=$7, isolation_beds=$8, blocked_beds=$9, updated_at=$10
				WHERE id = $1`,
				wardID, a.Total, a.Available, a.Occupied, a.Reserved,
				a.Cleaning, a.Maintenance, a.Isolation, a.Blocked, at); err != nil {
				return err
			}
		}
		return reconcileRooms(ctx, tx, wardID, at, rc)
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// reconcileRooms recounts every room of the ward. Room counters only change
// in transactions that also update the ward row, so the ward lock held by
// the caller keeps them stable.
func reconcileRooms(ctx context.Context, tx pgx.Tx, wardID uuid.UUID, at time.Time, rc *WardRecount) error {
	rows, err := tx.Query(ctx, `
		SELECT r.id, r.total_beds, r.available_beds,
			COUNT(b.id) FILTER (WHERE b.active),
			COUNT(b.id) FILTER (WHERE b.active AND b.status = $2)
		FROM room r LEFT JOIN bed b ON b.room_id = r.id
		WHERE r.ward_id = $1
		GROUP BY r.id, r.total_beds, r.available_beds`, wardID, BedAvailable)
	if err != nil {
		return err
	}
	type fix struct {
		id               uuid.UUID
		total, available int
	}
	var fixes []fix
	for rows.Next() {
		var (
			id                 uuid.UUID
			total, available   int
			actTotal, actAvail int
		)
		if err := rows.Scan(&id, &total, &available, &actTotal, &actAvail); err != nil {
			rows.Close()
			return err
		}
		d := RoomDelta{Total: actTotal - total, Available: actAvail - available}
		if d == (RoomDelta{}) {
			continue
		}
		if rc.Rooms == nil {
			rc.Rooms = map[uuid.UUID]RoomDelta{}
		}
		rc.Rooms[id] = d
		fixes = append(fixes, fix{id, actTotal, actAvail})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range fixes {
		if _, err := tx.Exec(ctx,
			`UPDATE room SET total_beds = $2, available_beds = $3, updated_at = $4 WHERE id = $1`,
			f.id, f.total, f.available, at); err != nil {
			return err
		}
	}
	return nil
}

// =========== Transaction ===========

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func newPGTx(tx pgx.Tx) *pgTx {
	return &pgTx{pgReader: pgReader{q: func(context.Context) queryable { return tx }}, tx: tx}
}

func (t *pgTx) InsertWard(ctx context.Context, w *Ward) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ward (id, organization_id, name, code, ward_type, gender_restriction, floor, building,
			description, total_beds, available_beds, occupied_beds, reserved_beds, cleaning_beds,
			maintenance_beds, isolation_beds, blocked_beds, active, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		w.ID, w.OrganizationID, w.Name, w.Code, w.Type, w.GenderRestriction, w.Floor, w.Building,
		w.Description, w.Total, w.Available, w.Occupied, w.Reserved, w.Cleaning,
		w.Maintenance, w.Isolation, w.Blocked, w.Active, w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) DeactivateWard(ctx context.Context, id uuid.UUID, at time.Time) error {
	var inUse bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bed WHERE ward_id = w.id AND active AND current_admission_id IS NOT NULL)
		FROM ward w WHERE w.id = $1 AND w.active FOR UPDATE`, id).Scan(&inUse)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if inUse {
		return ErrWardInUse
	}
	return rowsAffected(t.tx.Exec(ctx, `UPDATE ward SET active = FALSE, updated_at = $2 WHERE id = $1 AND active`, id, at))
}

func (t *pgTx) AdjustWard(ctx context.Context, wardID uuid.UUID, d Tally, at time.Time) error {
	return rowsAffected(t.tx.Exec(ctx, `
		UPDATE ward SET total_beds = total_beds + $2, available_beds = available_beds + $3,
			occupied_beds = occupied_beds + $4, reserved_beds = reserved_beds + $5,
			cleaning_beds = cleaning_beds + $6, maintenance_beds = maintenance_beds + $7,
			isolation_beds = isolation_beds + $8, blocked_beds = blocked_beds + $9, updated_at = $10
		WHERE id = $1 AND active`,
		wardID, d.Total, d.Available, d.Occupied, d.Reserved, d.Cleaning, d.Maintenance, d.Isolation, d.Blocked, at))
}

func (t *pgTx) InsertRoom(ctx context.Context, r *Room) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO room (id, ward_id, room_number, room_type, total_beds, available_beds,
			has_bathroom, has_oxygen, has_suction, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.WardID, r.RoomNumber, r.RoomType, r.TotalBeds, r.AvailableBeds,
		r.HasBathroom, r.HasOxygen, r.HasSuction, r.Active, r.CreatedAt, r.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) AdjustRoom(ctx context.Context, roomID uuid.UUID, d RoomDelta, at time.Time) error {
	return rowsAffected(t.tx.Exec(ctx, `
		UPDATE room SET total_beds = total_beds + $2, available_beds = available_beds + $3, updated_at = $4
		WHERE id = $1`, roomID, d.Total, d.Available, at))
}

func (t *pgTx) InsertBed(ctx context.Context, b *Bed) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bed (id, room_id, ward_id, bed_number, status, current_admission_id,
			has_monitor, has_oxygen, has_suction, has_ventilator, is_electric,
			active, status_changed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.RoomID, b.WardID, b.BedNumber, b.Status, b.CurrentAdmissionID,
		b.HasMonitor, b.HasOxygen, b.HasSuction, b.HasVentilator, b.IsElectric,
		b.Active, b.StatusChangedAt, b.CreatedAt, b.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) SwapBed(ctx context.Context, s BedSwap) error {
	return rowsAffected(t.tx.Exec(ctx, `
		UPDATE bed SET status = $3, current_admission_id = $4, status_changed_at = $5, updated_at = $5
		WHERE id = $1 AND status = $2 AND active
			AND ($6::uuid IS NULL OR current_admission_id = $6::uuid)`,
		s.BedID, s.Expected, s.Next, s.AdmissionID, s.At, s.ExpectedAdmission))
}

func (t *pgTx) RetireBed(ctx context.Context, bedID uuid.UUID, expected BedStatus, at time.Time) error {
	return rowsAffected(t.tx.Exec(ctx, `
		UPDATE bed SET active = FALSE, updated_at = $3
		WHERE id = $1 AND status = $2 AND active AND current_admission_id IS NULL`,
		bedID, expected, at))
}

func (t *pgTx) InsertAdmission(ctx context.Context, a *Admission) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO admission (id, organization_id, admission_number, patient_id, patient_name, patient_mrn,
			ward_id, room_id, bed_id, admission_type, admission_source, admitting_diagnosis,
			admitting_physician_id, admitting_physician_name, admitted_by, admitted_by_name, admitted_at,
			expected_discharge_at, isolation_required, isolation_reason, notes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		a.ID, a.OrganizationID, a.AdmissionNumber, a.PatientID, a.PatientName, a.PatientMRN,
		a.WardID, a.RoomID, a.BedID, a.AdmissionType, a.AdmissionSource, a.AdmittingDiagnosis,
		a.AdmittingPhysicianID, a.AdmittingPhysicianName, a.AdmittedBy, a.AdmittedByName, a.AdmittedAt,
		a.ExpectedDischargeAt, a.IsolationRequired, a.IsolationReason, a.Notes, a.Status, a.CreatedAt, a.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) UpdateAdmission(ctx context.Context, a *Admission, expected AdmissionStatus) error {
	return rowsAffected(t.tx.Exec(ctx, `
		UPDATE admission SET ward_id=$3, room_id=$4, bed_id=$5, status=$6,
			discharged_at=$7, discharge_disposition=$8, discharge_diagnosis=$9, discharge_summary=$10,
			follow_up_instructions=$11, follow_up_date=$12, discharged_by=$13, discharged_by_name=$14,
			time_of_death=$15, cause_of_death=$16, leave_reason=$17, length_of_stay_days=$18, updated_at=$19
		WHERE id = $1 AND status = $2`,
		a.ID, expected, a.WardID, a.RoomID, a.BedID, a.Status,
		a.DischargedAt, a.DischargeDisposition, a.DischargeDiagnosis, a.DischargeSummary,
		a.FollowUpInstructions, a.FollowUpDate, a.DischargedBy, a.DischargedByName,
		a.TimeOfDeath, a.CauseOfDeath, a.LeaveReason, a.LengthOfStayDays, a.UpdatedAt))
}

func (t *pgTx) AppendTransfer(ctx context.Context, admissionID uuid.UUID, rec *TransferRecord) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO admission_transfer (admission_id, seq, from_bed_id, from_room_id, from_ward_id,
			to_bed_id, to_room_id, to_ward_id, reason, transferred_at, transferred_by, transferred_by_name)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM admission_transfer WHERE admission_id = $1
		RETURNING seq`,
		admissionID, rec.FromBedID, rec.FromRoomID, rec.FromWardID, rec.ToBedID, rec.ToRoomID, rec.ToWardID,
		rec.Reason, rec.TransferredAt, rec.TransferredBy, rec.TransferredByName).Scan(&rec.Sequence)
}
