package inpatient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type AdmitRequest struct {
	PatientID            uuid.UUID       `json:"patient_id"`
	BedID                uuid.UUID       `json:"bed_id"`
	AdmissionType        AdmissionType   `json:"admission_type"`
	AdmissionSource      AdmissionSource `json:"admission_source"`
	AdmittingDiagnosis   string          `json:"admitting_diagnosis"`
	AdmittingPhysicianID *uuid.UUID      `json:"admitting_physician_id,omitempty"`
	IsolationRequired    bool            `json:"isolation_required"`
	IsolationReason      *string         `json:"isolation_reason,omitempty"`
	ExpectedDischargeAt  *time.Time      `json:"expected_discharge_at,omitempty"`
	Notes                *string         `json:"notes,omitempty"`
}

func (r *AdmitRequest) validate() error {
	if r.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if r.BedID == uuid.Nil {
		return invalid("bed_id is required")
	}
	if strings.TrimSpace(r.AdmittingDiagnosis) == "" {
		return invalid("admitting_diagnosis is required")
	}
	if r.AdmissionType == "" {
		r.AdmissionType = AdmissionElective
	}
	if !r.AdmissionType.Valid() {
		return invalid("unknown admission_type %q", r.AdmissionType)
	}
	if r.AdmissionSource == "" {
		r.AdmissionSource = SourceDirect
	}
	if !r.AdmissionSource.Valid() {
		return invalid("unknown admission_source %q", r.AdmissionSource)
	}
	return nil
}

type TransferRequest struct {
	ToBedID uuid.UUID `json:"to_bed_id"`
	Reason  string    `json:"reason"`
}

type DischargeRequest struct {
	Disposition          Disposition `json:"disposition"`
	DischargeDiagnosis   *string     `json:"discharge_diagnosis,omitempty"`
	DischargeSummary     *string     `json:"discharge_summary,omitempty"`
	FollowUpInstructions *string     `json:"follow_up_instructions,omitempty"`
	FollowUpDate         *time.Time  `json:"follow_up_date,omitempty"`
}

// DeceasedRequest closes an admission on death. TimeOfDeath defaults to now.
type DeceasedRequest struct {
	TimeOfDeath  *time.Time `json:"time_of_death,omitempty"`
	CauseOfDeath *string    `json:"cause_of_death,omitempty"`
}

type LeaveRequest struct {
	Reason string `json:"reason"`
}

// admissionNumber renders ADM-YYYYMMDD-XXXXXX.
func admissionNumber(at time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("ADM-%s-%X", at.Format("20060102"), id[:3])
}

// Admit places a patient in an AVAILABLE bed.
func (s *Service) Admit(ctx context.Context, actor Actor, req AdmitRequest) (_ *Admission, err error) {
	ctx, end := s.begin(ctx, "admit",
		attribute.String("bed.id", req.BedID.String()),
		attribute.String("patient.id", req.PatientID.String()))
	defer end(&err)

	if err := req.validate(); err != nil {
		return nil, err
	}
	bed, ward, err := s.activeBed(ctx, req.BedID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if bed.Status != BedAvailable {
		return nil, ErrBedNotAvailable
	}
	if _, err := s.store.ActiveAdmissionForPatient(ctx, actor.OrganizationID, req.PatientID); err == nil {
		return nil, ErrPatientAlreadyAdmitted
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	a := &Admission{
		ID:                   uuid.New(),
		OrganizationID:       actor.OrganizationID,
		PatientID:            req.PatientID,
		WardID:               ward.ID,
		RoomID:               bed.RoomID,
		BedID:                bed.ID,
		AdmissionType:        req.AdmissionType,
		AdmissionSource:      req.AdmissionSource,
		AdmittingDiagnosis:   strings.TrimSpace(req.AdmittingDiagnosis),
		AdmittingPhysicianID: req.AdmittingPhysicianID,
		AdmittedBy:           actor.ID,
		ExpectedDischargeAt:  req.ExpectedDischargeAt,
		IsolationRequired:    req.IsolationRequired,
		IsolationReason:      req.IsolationReason,
		Notes:                req.Notes,
		Status:               AdmissionAdmitted,
		TransferHistory:      []TransferRecord{},
	}
	if p := s.lookupPatient(ctx, req.PatientID); p != nil {
		if !ward.GenderRestriction.Allows(p.Gender) {
			return nil, ErrGenderRestricted
		}
		a.PatientName = strPtr(p.Name)
		a.PatientMRN = strPtr(p.MRN)
	}
	if req.AdmittingPhysicianID != nil {
		a.AdmittingPhysicianName = s.lookupStaffName(ctx, req.AdmittingPhysicianID.String())
	}
	a.AdmittedByName = s.lookupStaffName(ctx, actor.ID)

	now := s.now()
	a.AdmissionNumber = admissionNumber(now)
	a.AdmittedAt, a.CreatedAt, a.UpdatedAt = now, now, now
	next := a.BedStatusFor()

	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SwapBed(ctx, BedSwap{
			BedID: bed.ID, Expected: BedAvailable, Next: next, AdmissionID: &a.ID, At: now,
		}); err != nil {
			return err
		}
		if err := tx.AdjustWard(ctx, ward.ID, Transition(BedAvailable, next), now); err != nil {
			return err
		}
		if err := tx.AdjustRoom(ctx, bed.RoomID, RoomTransition(BedAvailable, next), now); err != nil {
			return err
		}
		return tx.InsertAdmission(ctx, a)
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "admission.created", "admission", a.ID, map[string]interface{}{
		"admission_number": a.AdmissionNumber,
		"patient_id":       a.PatientID.String(),
		"bed_id":           bed.ID.String(),
		"ward_id":          ward.ID.String(),
		"bed_status":       string(next),
	})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return a, nil
}

// activeAdmission loads an ADMITTED admission of the actor's organization
// and the bed it currently holds.
func (s *Service) activeAdmission(ctx context.Context, actor Actor, id uuid.UUID) (*Admission, *Bed, error) {
	a, err := s.store.GetAdmission(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.OrganizationID != actor.OrganizationID {
		return nil, nil, notFound("admission")
	}
	if a.Status != AdmissionAdmitted {
		return nil, nil, ErrAdmissionNotActive
	}
	bed, err := s.store.GetBed(ctx, a.BedID)
	if err != nil {
		return nil, nil, err
	}
	if bed.CurrentAdmissionID == nil || *bed.CurrentAdmissionID != a.ID {
		// The admission row was read before a concurrent close.
		return nil, nil, ErrConflict
	}
	return a, bed, nil
}

// Transfer moves an active admission to another AVAILABLE bed. The bed left
// behind goes to CLEANING.
func (s *Service) Transfer(ctx context.Context, actor Actor, admissionID uuid.UUID, req TransferRequest) (_ *Admission, err error) {
	ctx, end := s.begin(ctx, "transfer",
		attribute.String("admission.id", admissionID.String()),
		attribute.String("bed.id", req.ToBedID.String()))
	defer end(&err)

	req.Reason = strings.TrimSpace(req.Reason)
	if req.ToBedID == uuid.Nil {
		return nil, invalid("to_bed_id is required")
	}
	if req.Reason == "" {
		return nil, invalid("reason is required")
	}

	a, src, err := s.activeAdmission(ctx, actor, admissionID)
	if err != nil {
		return nil, err
	}
	if req.ToBedID == a.BedID {
		return nil, ErrAlreadyInBed
	}
	dst, dstWard, err := s.activeBed(ctx, req.ToBedID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if dst.Status != BedAvailable {
		return nil, ErrBedNotAvailable
	}
	if dstWard.ID != a.WardID && dstWard.GenderRestriction != GenderAny {
		if p := s.lookupPatient(ctx, a.PatientID); p != nil && !dstWard.GenderRestriction.Allows(p.Gender) {
			return nil, ErrGenderRestricted
		}
	}

	now := s.now()
	next := a.BedStatusFor()
	rec := TransferRecord{
		Sequence:          len(a.TransferHistory) + 1,
		FromBedID:         src.ID,
		FromRoomID:        src.RoomID,
		FromWardID:        src.WardID,
		ToBedID:           dst.ID,
		ToRoomID:          dst.RoomID,
		ToWardID:          dst.WardID,
		Reason:            req.Reason,
		TransferredAt:     now,
		TransferredBy:     actor.ID,
		TransferredByName: s.lookupStaffName(ctx, actor.ID),
	}
	updated := *a
	updated.WardID, updated.RoomID, updated.BedID = dst.WardID, dst.RoomID, dst.ID
	updated.UpdatedAt = now

	leave := Transition(src.Status, BedCleaning)
	enter := Transition(BedAvailable, next)
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SwapBed(ctx, BedSwap{
			BedID: src.ID, Expected: src.Status, ExpectedAdmission: &a.ID, Next: BedCleaning, At: now,
		}); err != nil {
			return err
		}
		if err := tx.SwapBed(ctx, BedSwap{
			BedID: dst.ID, Expected: BedAvailable, Next: next, AdmissionID: &a.ID, At: now,
		}); err != nil {
			return err
		}
		if src.WardID == dst.WardID {
			if err := tx.AdjustWard(ctx, src.WardID, leave.Add(enter), now); err != nil {
				return err
			}
		} else {
			if err := tx.AdjustWard(ctx, src.WardID, leave, now); err != nil {
				return err
			}
			if err := tx.AdjustWard(ctx, dst.WardID, enter, now); err != nil {
				return err
			}
		}
		if d := RoomTransition(src.Status, BedCleaning); d != (RoomDelta{}) {
			if err := tx.AdjustRoom(ctx, src.RoomID, d, now); err != nil {
				return err
			}
		}
		if err := tx.AdjustRoom(ctx, dst.RoomID, RoomTransition(BedAvailable, next), now); err != nil {
			return err
		}
		if err := tx.UpdateAdmission(ctx, &updated, AdmissionAdmitted); err != nil {
			return err
		}
		return tx.AppendTransfer(ctx, a.ID, &rec)
	}); err != nil {
		return nil, err
	}

	updated.TransferHistory = append(append([]TransferRecord{}, a.TransferHistory...), rec)
	s.emit(ctx, actor, "admission.transferred", "admission", a.ID, map[string]interface{}{
		"from_bed_id":  src.ID.String(),
		"to_bed_id":    dst.ID.String(),
		"from_ward_id": src.WardID.String(),
		"to_ward_id":   dst.WardID.String(),
		"reason":       req.Reason,
	})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return &updated, nil
}

// close ends an active admission with a terminal status and releases its bed
// to CLEANING.
func (s *Service) close(ctx context.Context, actor Actor, admissionID uuid.UUID, status AdmissionStatus, action string, apply func(a *Admission, now time.Time) error) (*Admission, error) {
	a, bed, err := s.activeAdmission(ctx, actor, admissionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	updated := *a
	updated.Status = status
	updated.DischargedAt = &now
	updated.DischargedBy = &actor.ID
	updated.UpdatedAt = now
	if err := apply(&updated, now); err != nil {
		return nil, err
	}
	end := now
	if updated.TimeOfDeath != nil {
		end = *updated.TimeOfDeath
	}
	los := LengthOfStay(a.AdmittedAt, end)
	updated.LengthOfStayDays = &los
	updated.DischargedByName = s.lookupStaffName(ctx, actor.ID)

	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SwapBed(ctx, BedSwap{
			BedID: bed.ID, Expected: bed.Status, ExpectedAdmission: &a.ID, Next: BedCleaning, At: now,
		}); err != nil {
			return err
		}
		if err := tx.AdjustWard(ctx, bed.WardID, Transition(bed.Status, BedCleaning), now); err != nil {
			return err
		}
		if d := RoomTransition(bed.Status, BedCleaning); d != (RoomDelta{}) {
			if err := tx.AdjustRoom(ctx, bed.RoomID, d, now); err != nil {
				return err
			}
		}
		return tx.UpdateAdmission(ctx, &updated, AdmissionAdmitted)
	}); err != nil {
		return nil, err
	}

	detail := map[string]interface{}{
		"bed_id":              bed.ID.String(),
		"ward_id":             bed.WardID.String(),
		"length_of_stay_days": los,
	}
	if updated.DischargeDisposition != nil {
		detail["disposition"] = string(*updated.DischargeDisposition)
	}
	s.emit(ctx, actor, action, "admission", a.ID, detail)
	s.invalidateCensus(ctx, actor.OrganizationID)
	return &updated, nil
}

func (s *Service) Discharge(ctx context.Context, actor Actor, admissionID uuid.UUID, req DischargeRequest) (_ *Admission, err error) {
	ctx, end := s.begin(ctx, "discharge", attribute.String("admission.id", admissionID.String()))
	defer end(&err)

	if !req.Disposition.Valid() {
		return nil, invalid("unknown disposition %q", req.Disposition)
	}
	return s.close(ctx, actor, admissionID, AdmissionDischarged, "admission.discharged", func(a *Admission, _ time.Time) error {
		d := req.Disposition
		a.DischargeDisposition = &d
		a.DischargeDiagnosis = req.DischargeDiagnosis
		a.DischargeSummary = req.DischargeSummary
		a.FollowUpInstructions = req.FollowUpInstructions
		a.FollowUpDate = req.FollowUpDate
		return nil
	})
}

func (s *Service) MarkDeceased(ctx context.Context, actor Actor, admissionID uuid.UUID, req DeceasedRequest) (_ *Admission, err error) {
	ctx, end := s.begin(ctx, "mark_deceased", attribute.String("admission.id", admissionID.String()))
	defer end(&err)

	return s.close(ctx, actor, admissionID, AdmissionDeceased, "admission.deceased", func(a *Admission, now time.Time) error {
		tod := now
		if req.TimeOfDeath != nil {
			tod = req.TimeOfDeath.UTC()
			if tod.Before(a.AdmittedAt) || tod.After(now) {
				return invalid("time_of_death must fall between admission and now")
			}
		}
		d := DispositionDeceased
		a.DischargeDisposition = &d
		a.TimeOfDeath = &tod
		a.CauseOfDeath = req.CauseOfDeath
		return nil
	})
}

func (s *Service) MarkOnLeave(ctx context.Context, actor Actor, admissionID uuid.UUID, req LeaveRequest) (_ *Admission, err error) {
	ctx, end := s.begin(ctx, "mark_on_leave", attribute.String("admission.id", admissionID.String()))
	defer end(&err)

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalid("reason is required")
	}
	return s.close(ctx, actor, admissionID, AdmissionLeave, "admission.leave", func(a *Admission, _ time.Time) error {
		a.LeaveReason = &reason
		return nil
	})
}

// SetBedStatus moves a bed that holds no admission between the operational
// statuses. Setting the current status again changes nothing.
func (s *Service) SetBedStatus(ctx context.Context, actor Actor, bedID uuid.UUID, status BedStatus) (_ *Bed, err error) {
	ctx, end := s.begin(ctx, "set_bed_status",
		attribute.String("bed.id", bedID.String()),
		attribute.String("bed.status", string(status)))
	defer end(&err)

	if !status.Valid() {
		return nil, invalid("unknown bed status %q", status)
	}
	if status.HoldsAdmission() {
		return nil, fmt.Errorf("status %s is only set by admission: %w", status, ErrInvalidState)
	}
	bed, _, err := s.activeBed(ctx, bedID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if bed.CurrentAdmissionID != nil || bed.Status.HoldsAdmission() {
		return nil, ErrBedOccupied
	}
	if bed.Status == status {
		return bed, nil
	}

	now := s.now()
	from := bed.Status
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SwapBed(ctx, BedSwap{BedID: bed.ID, Expected: from, Next: status, At: now}); err != nil {
			return err
		}
		if err := tx.AdjustWard(ctx, bed.WardID, Transition(from, status), now); err != nil {
			return err
		}
		if d := RoomTransition(from, status); d != (RoomDelta{}) {
			return tx.AdjustRoom(ctx, bed.RoomID, d, now)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	bed.Status = status
	bed.StatusChangedAt, bed.UpdatedAt = now, now
	s.emit(ctx, actor, "bed.status_changed", "bed", bed.ID, map[string]interface{}{
		"from": string(from), "to": string(status),
	})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return bed, nil
}

func (s *Service) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.store.GetAdmission(ctx, id)
}

func (s *Service) GetAdmissions(ctx context.Context, orgID uuid.UUID, f AdmissionFilter, limit, offset int) ([]*Admission, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("unknown admission status %q", f.Status)
	}
	f.OrganizationID = orgID
	return s.store.ListAdmissions(ctx, f, limit, offset)
}

// GetAdmissionHistory lists every admission of a patient, newest first.
func (s *Service) GetAdmissionHistory(ctx context.Context, patientID uuid.UUID) ([]*Admission, error) {
	return s.store.ListAdmissionsByPatient(ctx, patientID)
}
