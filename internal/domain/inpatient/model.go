package inpatient

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// WardType classifies a ward. Critical care types roll up separately in the census.
type WardType string

const (
	WardGeneral     WardType = "general"
	WardICU         WardType = "icu"
	WardCCU         WardType = "ccu"
	WardMICU        WardType = "micu"
	WardSICU        WardType = "sicu"
	WardNICU        WardType = "nicu"
	WardPICU        WardType = "picu"
	WardMaternity   WardType = "maternity"
	WardPediatric   WardType = "pediatric"
	WardSurgical    WardType = "surgical"
	WardIsolation   WardType = "isolation"
	WardPsychiatric WardType = "psychiatric"
	WardEmergency   WardType = "emergency"
	WardStepDown    WardType = "step_down"
)

var wardTypes = map[WardType]bool{
	WardGeneral: true, WardICU: true, WardCCU: true, WardMICU: true, WardSICU: true,
	WardNICU: true, WardPICU: true, WardMaternity: true, WardPediatric: true,
	WardSurgical: true, WardIsolation: true, WardPsychiatric: true,
	WardEmergency: true, WardStepDown: true,
}

var criticalCareTypes = map[WardType]bool{
	WardICU: true, WardCCU: true, WardMICU: true, WardSICU: true, WardNICU: true, WardPICU: true,
}

func (t WardType) Valid() bool { return wardTypes[t] }

// CriticalCare reports whether beds of this ward count toward the critical care rollup.
func (t WardType) CriticalCare() bool { return criticalCareTypes[t] }

type GenderRestriction string

const (
	GenderAny    GenderRestriction = "any"
	GenderMale   GenderRestriction = "male"
	GenderFemale GenderRestriction = "female"
)

func (g GenderRestriction) Valid() bool {
	return g == GenderAny || g == GenderMale || g == GenderFemale
}

// Allows reports whether a patient of the given gender may be placed in the ward.
// An unknown patient gender is always allowed.
func (g GenderRestriction) Allows(gender string) bool {
	switch g {
	case GenderMale, GenderFemale:
		return gender == "" || gender == string(g)
	default:
		return true
	}
}

type RoomType string

const (
	RoomPrivate     RoomType = "private"
	RoomSemiPrivate RoomType = "semi_private"
	RoomGeneral     RoomType = "general"
	RoomSuite       RoomType = "suite"
	RoomIsolation   RoomType = "isolation"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomPrivate, RoomSemiPrivate, RoomGeneral, RoomSuite, RoomIsolation:
		return true
	}
	return false
}

// BedStatus is the state of a single bed. It doubles as the optimistic
// concurrency guard for every bed mutation.
type BedStatus string

const (
	BedAvailable   BedStatus = "AVAILABLE"
	BedOccupied    BedStatus = "OCCUPIED"
	BedReserved    BedStatus = "RESERVED"
	BedCleaning    BedStatus = "CLEANING"
	BedMaintenance BedStatus = "MAINTENANCE"
	BedIsolation   BedStatus = "ISOLATION"
	BedBlocked     BedStatus = "BLOCKED"
)

// BedStatuses lists every bed status in tally order.
var BedStatuses = []BedStatus{
	BedAvailable, BedOccupied, BedReserved, BedCleaning, BedMaintenance, BedIsolation, BedBlocked,
}

func (s BedStatus) Valid() bool {
	for _, v := range BedStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// HoldsAdmission reports whether a bed in this status must reference an admission.
func (s BedStatus) HoldsAdmission() bool {
	return s == BedOccupied || s == BedIsolation
}

type AdmissionStatus string

const (
	AdmissionAdmitted   AdmissionStatus = "ADMITTED"
	AdmissionDischarged AdmissionStatus = "DISCHARGED"
	AdmissionDeceased   AdmissionStatus = "DECEASED"
	AdmissionLeave      AdmissionStatus = "LEAVE"
)

func (s AdmissionStatus) Valid() bool {
	switch s {
	case AdmissionAdmitted, AdmissionDischarged, AdmissionDeceased, AdmissionLeave:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s AdmissionStatus) Terminal() bool { return s != AdmissionAdmitted }

type AdmissionType string

const (
	AdmissionEmergency   AdmissionType = "emergency"
	AdmissionElective    AdmissionType = "elective"
	AdmissionTransferIn  AdmissionType = "transfer"
	AdmissionMaternity   AdmissionType = "maternity"
	AdmissionDayCare     AdmissionType = "day_care"
	AdmissionObservation AdmissionType = "observation"
)

func (t AdmissionType) Valid() bool {
	switch t {
	case AdmissionEmergency, AdmissionElective, AdmissionTransferIn,
		AdmissionMaternity, AdmissionDayCare, AdmissionObservation:
		return true
	}
	return false
}

type AdmissionSource string

const (
	SourceEmergencyDepartment AdmissionSource = "emergency_department"
	SourceOutpatient          AdmissionSource = "outpatient"
	SourceReferral            AdmissionSource = "referral"
	SourceTransferIn          AdmissionSource = "transfer_in"
	SourceDirect              AdmissionSource = "direct"
)

func (s AdmissionSource) Valid() bool {
	switch s {
	case SourceEmergencyDepartment, SourceOutpatient, SourceReferral, SourceTransferIn, SourceDirect:
		return true
	}
	return false
}

type Disposition string

const (
	DispositionHome             Disposition = "home"
	DispositionHomeCare         Disposition = "home_care"
	DispositionTransferFacility Disposition = "transfer_facility"
	DispositionRehabilitation   Disposition = "rehabilitation"
	DispositionHospice          Disposition = "hospice"
	DispositionAMA              Disposition = "against_medical_advice"
	DispositionDeceased         Disposition = "deceased"
	DispositionOther            Disposition = "other"
)

func (d Disposition) Valid() bool {
	switch d {
	case DispositionHome, DispositionHomeCare, DispositionTransferFacility, DispositionRehabilitation,
		DispositionHospice, DispositionAMA, DispositionDeceased, DispositionOther:
		return true
	}
	return false
}

// Tally holds per-status bed counts. Buckets are disjoint, so Total must equal
// the sum of the buckets. The same shape is used for signed deltas.
type Tally struct {
	Total       int `json:"total_beds"`
	Available   int `json:"available_beds"`
	// Occupied counts OCCUPIED beds only. A patient admitted with isolation
	// holds an ISOLATION bed and is counted in Isolation instead; InUse and
	// OccupancyRate add the two.
	Occupied    int `json:"occupied_beds"`
	Reserved    int `json:"reserved_beds"`
	Cleaning    int `json:"cleaning_beds"`
	Maintenance int `json:"maintenance_beds"`
	Isolation   int `json:"isolation_beds"`
	Blocked     int `json:"blocked_beds"`
}

func (t *Tally) bucket(s BedStatus) *int {
	switch s {
	case BedAvailable:
		return &t.Available
	case BedOccupied:
		return &t.Occupied
	case BedReserved:
		return &t.Reserved
	case BedCleaning:
		return &t.Cleaning
	case BedMaintenance:
		return &t.Maintenance
	case BedIsolation:
		return &t.Isolation
	case BedBlocked:
		return &t.Blocked
	}
	return nil
}

// Count returns the bucket for a status.
func (t Tally) Count(s BedStatus) int {
	if p := t.bucket(s); p != nil {
		return *p
	}
	return 0
}

// Add returns t with every field of d added.
func (t Tally) Add(d Tally) Tally {
	return Tally{
		Total:       t.Total + d.Total,
		Available:   t.Available + d.Available,
		Occupied:    t.Occupied + d.Occupied,
		Reserved:    t.Reserved + d.Reserved,
		Cleaning:    t.Cleaning + d.Cleaning,
		Maintenance: t.Maintenance + d.Maintenance,
		Isolation:   t.Isolation + d.Isolation,
		Blocked:     t.Blocked + d.Blocked,
	}
}

// Sum is the total over all status buckets.
func (t Tally) Sum() int {
	return t.Available + t.Occupied + t.Reserved + t.Cleaning + t.Maintenance + t.Isolation + t.Blocked
}

// Consistent reports whether Total matches the bucket sum and no bucket is negative.
func (t Tally) Consistent() bool {
	if t.Total != t.Sum() {
		return false
	}
	for _, s := range BedStatuses {
		if t.Count(s) < 0 {
			return false
		}
	}
	return t.Total >= 0
}

// IsZero reports whether every field is zero.
func (t Tally) IsZero() bool { return t == Tally{} }

// InUse counts beds holding an admission.
func (t Tally) InUse() int { return t.Occupied + t.Isolation }

// OccupancyRate is (occupied + isolation) / total as a percentage rounded to
// one decimal place, or 0 for an empty ward.
func (t Tally) OccupancyRate() float64 {
	if t.Total <= 0 {
		return 0
	}
	return math.Round(float64(t.InUse())/float64(t.Total)*1000) / 10
}

// Diff returns actual minus t per field, omitting zero entries.
func (t Tally) Diff(actual Tally) map[string]int {
	out := map[string]int{}
	put := func(k string, v int) {
		if v != 0 {
			out[k] = v
		}
	}
	put("total_beds", actual.Total-t.Total)
	put("available_beds", actual.Available-t.Available)
	put("occupied_beds", actual.Occupied-t.Occupied)
	put("reserved_beds", actual.Reserved-t.Reserved)
	put("cleaning_beds", actual.Cleaning-t.Cleaning)
	put("maintenance_beds", actual.Maintenance-t.Maintenance)
	put("isolation_beds", actual.Isolation-t.Isolation)
	put("blocked_beds", actual.Blocked-t.Blocked)
	return out
}

// Transition is the ledger delta for a bed moving from one status to another.
// Total is unaffected.
func Transition(from, to BedStatus) Tally {
	var d Tally
	if from == to {
		return d
	}
	if p := d.bucket(from); p != nil {
		*p--
	}
	if p := d.bucket(to); p != nil {
		*p++
	}
	return d
}

// Added is the ledger delta for a new bed entering the ward in the given status.
func Added(s BedStatus) Tally {
	d := Tally{Total: 1}
	if p := d.bucket(s); p != nil {
		*p++
	}
	return d
}

// Removed is the ledger delta for a bed leaving the ward from the given status.
func Removed(s BedStatus) Tally {
	d := Tally{Total: -1}
	if p := d.bucket(s); p != nil {
		*p--
	}
	return d
}

// RoomDelta is the change to a room's cached counters.
type RoomDelta struct {
	Total     int `json:"total_beds"`
	Available int `json:"available_beds"`
}

// RoomTransition returns the room delta for a bed status change.
func RoomTransition(from, to BedStatus) RoomDelta {
	var d RoomDelta
	if from == BedAvailable && to != BedAvailable {
		d.Available--
	}
	if to == BedAvailable && from != BedAvailable {
		d.Available++
	}
	return d
}

// Ward maps to the ward table.
type Ward struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	OrganizationID    uuid.UUID         `db:"organization_id" json:"organization_id"`
	Name              string            `db:"name" json:"name"`
	Code              *string           `db:"code" json:"code,omitempty"`
	Type              WardType          `db:"ward_type" json:"type"`
	GenderRestriction GenderRestriction `db:"gender_restriction" json:"gender_restriction"`
	Floor             *string           `db:"floor" json:"floor,omitempty"`
	Building          *string           `db:"building" json:"building,omitempty"`
	Description       *string           `db:"description" json:"description,omitempty"`
	Tally
	Active    bool      `db:"active" json:"active"`
	CreatedBy string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Room maps to the room table.
type Room struct {
	ID            uuid.UUID `db:"id" json:"id"`
	WardID        uuid.UUID `db:"ward_id" json:"ward_id"`
	RoomNumber    string    `db:"room_number" json:"room_number"`
	RoomType      RoomType  `db:"room_type" json:"room_type"`
	TotalBeds     int       `db:"total_beds" json:"total_beds"`
	AvailableBeds int       `db:"available_beds" json:"available_beds"`
	HasBathroom   bool      `db:"has_bathroom" json:"has_bathroom"`
	HasOxygen     bool      `db:"has_oxygen" json:"has_oxygen"`
	HasSuction    bool      `db:"has_suction" json:"has_suction"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Equipment flags carried by a bed.
type Equipment struct {
	HasMonitor    bool `db:"has_monitor" json:"has_monitor"`
	HasOxygen     bool `db:"has_oxygen" json:"has_oxygen"`
	HasSuction    bool `db:"has_suction" json:"has_suction"`
	HasVentilator bool `db:"has_ventilator" json:"has_ventilator"`
	IsElectric    bool `db:"is_electric" json:"is_electric"`
}

// DefaultEquipment derives bed equipment from the ward type.
func DefaultEquipment(t WardType) Equipment {
	if t.CriticalCare() {
		return Equipment{HasMonitor: true, HasOxygen: true, HasSuction: true, IsElectric: true}
	}
	return Equipment{}
}

// Bed maps to the bed table.
type Bed struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	RoomID             uuid.UUID  `db:"room_id" json:"room_id"`
	WardID             uuid.UUID  `db:"ward_id" json:"ward_id"`
	BedNumber          string     `db:"bed_number" json:"bed_number"`
	Status             BedStatus  `db:"status" json:"status"`
	CurrentAdmissionID *uuid.UUID `db:"current_admission_id" json:"current_admission_id,omitempty"`
	Equipment
	Active          bool      `db:"active" json:"active"`
	StatusChangedAt time.Time `db:"status_changed_at" json:"status_changed_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// TransferRecord is one entry of an admission's transfer history. Entries are
// never modified once appended.
type TransferRecord struct {
	Sequence          int       `db:"seq" json:"sequence"`
	FromBedID         uuid.UUID `db:"from_bed_id" json:"from_bed_id"`
	FromRoomID        uuid.UUID `db:"from_room_id" json:"from_room_id"`
	FromWardID        uuid.UUID `db:"from_ward_id" json:"from_ward_id"`
	ToBedID           uuid.UUID `db:"to_bed_id" json:"to_bed_id"`
	ToRoomID          uuid.UUID `db:"to_room_id" json:"to_room_id"`
	ToWardID          uuid.UUID `db:"to_ward_id" json:"to_ward_id"`
	Reason            string    `db:"reason" json:"reason"`
	TransferredAt     time.Time `db:"transferred_at" json:"transferred_at"`
	TransferredBy     string    `db:"transferred_by" json:"transferred_by"`
	TransferredByName *string   `db:"transferred_by_name" json:"transferred_by_name,omitempty"`
}

// Admission maps to the admission table. TransferHistory is loaded from
// admission_transfer.
type Admission struct {
	ID                     uuid.UUID        `db:"id" json:"id"`
	OrganizationID         uuid.UUID        `db:"organization_id" json:"organization_id"`
	AdmissionNumber        string           `db:"admission_number" json:"admission_number"`
	PatientID              uuid.UUID        `db:"patient_id" json:"patient_id"`
	PatientName            *string          `db:"patient_name" json:"patient_name,omitempty"`
	PatientMRN             *string          `db:"patient_mrn" json:"patient_mrn,omitempty"`
	WardID                 uuid.UUID        `db:"ward_id" json:"ward_id"`
	RoomID                 uuid.UUID        `db:"room_id" json:"room_id"`
	BedID                  uuid.UUID        `db:"bed_id" json:"bed_id"`
	AdmissionType          AdmissionType    `db:"admission_type" json:"admission_type"`
	AdmissionSource        AdmissionSource  `db:"admission_source" json:"admission_source"`
	AdmittingDiagnosis     string           `db:"admitting_diagnosis" json:"admitting_diagnosis"`
	AdmittingPhysicianID   *uuid.UUID       `db:"admitting_physician_id" json:"admitting_physician_id,omitempty"`
	AdmittingPhysicianName *string          `db:"admitting_physician_name" json:"admitting_physician_name,omitempty"`
	AdmittedBy             string           `db:"admitted_by" json:"admitted_by"`
	AdmittedByName         *string          `db:"admitted_by_name" json:"admitted_by_name,omitempty"`
	AdmittedAt             time.Time        `db:"admitted_at" json:"admitted_at"`
	ExpectedDischargeAt    *time.Time       `db:"expected_discharge_at" json:"expected_discharge_at,omitempty"`
	IsolationRequired      bool             `db:"isolation_required" json:"isolation_required"`
	IsolationReason        *string          `db:"isolation_reason" json:"isolation_reason,omitempty"`
	Notes                  *string          `db:"notes" json:"notes,omitempty"`
	Status                 AdmissionStatus  `db:"status" json:"status"`
	TransferHistory        []TransferRecord `json:"transfer_history"`
	DischargedAt           *time.Time       `db:"discharged_at" json:"discharged_at,omitempty"`
	DischargeDisposition   *Disposition     `db:"discharge_disposition" json:"discharge_disposition,omitempty"`
	DischargeDiagnosis     *string          `db:"discharge_diagnosis" json:"discharge_diagnosis,omitempty"`
	DischargeSummary       *string          `db:"discharge_summary" json:"discharge_summary,omitempty"`
	FollowUpInstructions   *string          `db:"follow_up_instructions" json:"follow_up_instructions,omitempty"`
	FollowUpDate           *time.Time       `db:"follow_up_date" json:"follow_up_date,omitempty"`
	DischargedBy           *string          `db:"discharged_by" json:"discharged_by,omitempty"`
	DischargedByName       *string          `db:"discharged_by_name" json:"discharged_by_name,omitempty"`
	TimeOfDeath            *time.Time       `db:"time_of_death" json:"time_of_death,omitempty"`
	CauseOfDeath           *string          `db:"cause_of_death" json:"cause_of_death,omitempty"`
	LeaveReason            *string          `db:"leave_reason" json:"leave_reason,omitempty"`
	LengthOfStayDays       *int             `db:"length_of_stay_days" json:"length_of_stay_days,omitempty"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time        `db:"updated_at" json:"updated_at"`
}

// BedStatusFor is the status a bed takes while holding this admission.
func (a *Admission) BedStatusFor() BedStatus {
	if a.IsolationRequired {
		return BedIsolation
	}
	return BedOccupied
}

// LengthOfStay returns whole days between admission and end, rounded up, minimum 1.
func LengthOfStay(admitted, end time.Time) int {
	days := int(math.Ceil(end.Sub(admitted).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// Actor identifies the already-authorized caller of an operation.
type Actor struct {
	ID             string
	OrganizationID uuid.UUID
}

// WardFilter narrows GetWards.
type WardFilter struct {
	OrganizationID uuid.UUID
	Type           WardType
	ActiveOnly     bool
}

// BedFilter narrows GetBeds.
type BedFilter struct {
	OrganizationID uuid.UUID
	WardID         *uuid.UUID
	RoomID         *uuid.UUID
	Status         BedStatus
}

// AdmissionFilter narrows GetAdmissions.
type AdmissionFilter struct {
	OrganizationID uuid.UUID
	WardID         *uuid.UUID
	PatientID      *uuid.UUID
	Status         AdmissionStatus
}
