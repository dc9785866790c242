package inpatient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/inpatient/internal/platform/audit"
	"github.com/ehr/inpatient/internal/platform/directory"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDirectory serves patients and staff from maps.
type fakeDirectory struct {
	patients map[uuid.UUID]*directory.Patient
	staff    map[string]*directory.Staff
	err      error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{patients: map[uuid.UUID]*directory.Patient{}, staff: map[string]*directory.Staff{}}
}

func (d *fakeDirectory) LookupPatient(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if d.err != nil {
		return nil, d.err
	}
	if p, ok := d.patients[id]; ok {
		return p, nil
	}
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) LookupStaff(_ context.Context, userID string) (*directory.Staff, error) {
	if d.err != nil {
		return nil, d.err
	}
	if s, ok := d.staff[userID]; ok {
		return s, nil
	}
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) addPatient(gender string) uuid.UUID {
	id := uuid.New()
	d.patients[id] = &directory.Patient{ID: id, Name: "Patient " + id.String()[:4], MRN: "MRN-" + id.String()[:6], Gender: gender}
	return id
}

// eventLog collects audit events.
type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) sink() audit.Sink {
	return audit.SinkFunc(func(_ context.Context, ev audit.Event) error {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		return nil
	})
}

func (l *eventLog) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Action)
	}
	return out
}

func (l *eventLog) last() audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return audit.Event{}
	}
	return l.events[len(l.events)-1]
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *MemoryStore
	svc   *Service
	clock *testClock
	dir   *fakeDirectory
	audit *eventLog
	actor Actor
	ward  *Ward
	rooms []*Room
	beds  []*Bed
}

// newFixture provisions one general ward with a single room of four beds.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: NewMemoryStore(),
		clock: newTestClock(),
		dir:   newFakeDirectory(),
		audit: &eventLog{},
		actor: Actor{ID: "nurse-1", OrganizationID: uuid.New()},
	}
	f.dir.staff["nurse-1"] = &directory.Staff{ID: "nurse-1", Name: "Nora Nurse"}
	base := []Option{WithClock(f.clock.Now), WithDirectories(f.dir, f.dir), WithAudit(f.audit.sink())}
	f.svc = NewService(f.store, append(base, opts...)...)

	f.ward = f.createWard("North", WardGeneral, GenderAny)
	res, err := f.svc.BulkProvision(f.ctx, f.actor, f.ward.ID, "N", 1, 4)
	if err != nil {
		t.Fatalf("BulkProvision() error: %v", err)
	}
	f.ward, f.rooms, f.beds = res.Ward, res.Rooms, res.Beds
	return f
}

func (f *fixture) createWard(name string, typ WardType, g GenderRestriction) *Ward {
	f.t.Helper()
	w, err := f.svc.CreateWard(f.ctx, f.actor, WardSpec{Name: name, Type: typ, GenderRestriction: g})
	if err != nil {
		f.t.Fatalf("CreateWard(%s) error: %v", name, err)
	}
	return w
}

// provision adds a ward with rooms*beds beds and returns its beds.
func (f *fixture) provision(name string, typ WardType, g GenderRestriction, rooms, beds int) (*Ward, []*Bed) {
	f.t.Helper()
	w := f.createWard(name, typ, g)
	res, err := f.svc.BulkProvision(f.ctx, f.actor, w.ID, name[:1], rooms, beds)
	if err != nil {
		f.t.Fatalf("BulkProvision(%s) error: %v", name, err)
	}
	return res.Ward, res.Beds
}

func (f *fixture) admit(bed *Bed, patientID uuid.UUID) *Admission {
	f.t.Helper()
	a, err := f.svc.Admit(f.ctx, f.actor, AdmitRequest{PatientID: patientID, BedID: bed.ID, AdmittingDiagnosis: "pneumonia"})
	if err != nil {
		f.t.Fatalf("Admit() error: %v", err)
	}
	return a
}

func (f *fixture) bed(id uuid.UUID) *Bed {
	f.t.Helper()
	b, err := f.store.GetBed(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetBed() error: %v", err)
	}
	return b
}

func (f *fixture) wardTally(id uuid.UUID) Tally {
	f.t.Helper()
	w, err := f.store.GetWard(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetWard() error: %v", err)
	}
	return w.Tally
}

func (f *fixture) room(id uuid.UUID) *Room {
	f.t.Helper()
	r, err := f.store.GetRoom(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetRoom() error: %v", err)
	}
	return r
}

// checkInvariants verifies that stored counters match bed states and that
// beds and admissions reference each other consistently.
func checkInvariants(t *testing.T, s *MemoryStore) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()

	wardCount := map[uuid.UUID]Tally{}
	roomTotal := map[uuid.UUID]int{}
	roomAvail := map[uuid.UUID]int{}
	for _, b := range s.beds {
		if !b.Active {
			continue
		}
		wardCount[b.WardID] = wardCount[b.WardID].Add(Added(b.Status))
		roomTotal[b.RoomID]++
		if b.Status == BedAvailable {
			roomAvail[b.RoomID]++
		}
		if b.Status.HoldsAdmission() != (b.CurrentAdmissionID != nil) {
			t.Errorf("bed %s status %s with admission %v", b.BedNumber, b.Status, b.CurrentAdmissionID)
			continue
		}
		if b.CurrentAdmissionID != nil {
			a, ok := s.admissions[*b.CurrentAdmissionID]
			if !ok || a.Status != AdmissionAdmitted || a.BedID != b.ID {
				t.Errorf("bed %s references admission %s that does not hold it", b.BedNumber, *b.CurrentAdmissionID)
			}
			if ok && a.BedStatusFor() != b.Status {
				t.Errorf("bed %s status %s does not match isolation flag", b.BedNumber, b.Status)
			}
		}
	}
	for id, w := range s.wards {
		if w.Tally != wardCount[id] {
			t.Errorf("ward %s tally %+v, recount %+v", w.Name, w.Tally, wardCount[id])
		}
		if !w.Tally.Consistent() {
			t.Errorf("ward %s tally inconsistent: %+v", w.Name, w.Tally)
		}
	}
	for id, r := range s.rooms {
		if r.TotalBeds != roomTotal[id] || r.AvailableBeds != roomAvail[id] {
			t.Errorf("room %s counters %d/%d, recount %d/%d", r.RoomNumber, r.AvailableBeds, r.TotalBeds, roomAvail[id], roomTotal[id])
		}
	}
	active := map[uuid.UUID]int{}
	for _, a := range s.admissions {
		if a.Status != AdmissionAdmitted {
			continue
		}
		active[a.PatientID]++
		b, ok := s.beds[a.BedID]
		if !ok || b.CurrentAdmissionID == nil || *b.CurrentAdmissionID != a.ID {
			t.Errorf("admission %s not held by its bed", a.AdmissionNumber)
		}
	}
	for p, n := range active {
		if n > 1 {
			t.Errorf("patient %s has %d active admissions", p, n)
		}
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
