package inpatient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. Transactions are optimistic: the
// callback reads committed state, writes are queued, and the queue is
// validated and applied atomically at commit under the store lock. Bed and
// admission guards are re-checked at that point, so a writer that lost a race
// gets ErrConflict and none of its writes are applied.
type MemoryStore struct {
	mu         sync.RWMutex
	wards      map[uuid.UUID]*Ward
	rooms      map[uuid.UUID]*Room
	beds       map[uuid.UUID]*Bed
	admissions map[uuid.UUID]*Admission
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wards:      make(map[uuid.UUID]*Ward),
		rooms:      make(map[uuid.UUID]*Room),
		beds:       make(map[uuid.UUID]*Bed),
		admissions: make(map[uuid.UUID]*Admission),
	}
}

func cloneWard(w *Ward) *Ward { c := *w; return &c }
func cloneRoom(r *Room) *Room { c := *r; return &c }
func cloneBed(b *Bed) *Bed {
	c := *b
	if b.CurrentAdmissionID != nil {
		id := *b.CurrentAdmissionID
		c.CurrentAdmissionID = &id
	}
	return &c
}
func cloneAdmission(a *Admission) *Admission {
	c := *a
	c.TransferHistory = append([]TransferRecord{}, a.TransferHistory...)
	return &c
}

func (s *MemoryStore) GetWard(_ context.Context, id uuid.UUID) (*Ward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wards[id]
	if !ok {
		return nil, notFound("ward")
	}
	return cloneWard(w), nil
}

func (s *MemoryStore) ListWards(_ context.Context, f WardFilter) ([]*Ward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ward
	for _, w := range s.wards {
		if f.OrganizationID != uuid.Nil && w.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Type != "" && w.Type != f.Type {
			continue
		}
		if f.ActiveOnly && !w.Active {
			continue
		}
		out = append(out, cloneWard(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id uuid.UUID) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, notFound("room")
	}
	return cloneRoom(r), nil
}

func (s *MemoryStore) ListRooms(_ context.Context, wardID uuid.UUID) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Room
	for _, r := range s.rooms {
		if r.WardID == wardID {
			out = append(out, cloneRoom(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomNumber < out[j].RoomNumber })
	return out, nil
}

func (s *MemoryStore) GetBed(_ context.Context, id uuid.UUID) (*Bed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.beds[id]
	if !ok {
		return nil, notFound("bed")
	}
	return cloneBed(b), nil
}

func (s *MemoryStore) ListBeds(_ context.Context, f BedFilter, limit, offset int) ([]*Bed, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Bed
	for _, b := range s.beds {
		if f.OrganizationID != uuid.Nil {
			w, ok := s.wards[b.WardID]
			if !ok || w.OrganizationID != f.OrganizationID {
				continue
			}
		}
		if f.WardID != nil && b.WardID != *f.WardID {
			continue
		}
		if f.RoomID != nil && b.RoomID != *f.RoomID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		all = append(all, cloneBed(b))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BedNumber < all[j].BedNumber })
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) GetAdmission(_ context.Context, id uuid.UUID) (*Admission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admissions[id]
	if !ok {
		return nil, notFound("admission")
	}
	return cloneAdmission(a), nil
}

func (s *MemoryStore) ListAdmissions(_ context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Admission
	for _, a := range s.admissions {
		if f.OrganizationID != uuid.Nil && a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.WardID != nil && a.WardID != *f.WardID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		all = append(all, cloneAdmission(a))
	}
	sortAdmissions(all)
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) ListAdmissionsByPatient(_ context.Context, patientID uuid.UUID) ([]*Admission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Admission
	for _, a := range s.admissions {
		if a.PatientID == patientID {
			out = append(out, cloneAdmission(a))
		}
	}
	sortAdmissions(out)
	return out, nil
}

func (s *MemoryStore) ActiveAdmissionForPatient(_ context.Context, orgID, patientID uuid.UUID) (*Admission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a := s.activeAdmissionLocked(orgID, patientID); a != nil {
		return cloneAdmission(a), nil
	}
	return nil, notFound("admission")
}

func (s *MemoryStore) activeAdmissionLocked(orgID, patientID uuid.UUID) *Admission {
	for _, a := range s.admissions {
		if a.OrganizationID == orgID && a.PatientID == patientID && a.Status == AdmissionAdmitted {
			return a
		}
	}
	return nil
}

func sortAdmissions(list []*Admission) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].AdmittedAt.Equal(list[j].AdmittedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].AdmittedAt.After(list[j].AdmittedAt)
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// RunInTx runs fn and commits its queued writes atomically.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{MemoryStore: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := newMemStage(s)
	for _, op := range tx.ops {
		if err := op(st); err != nil {
			return err
		}
	}
	st.commit()
	return nil
}

// ReconcileWard recounts under the write lock.
func (s *MemoryStore) ReconcileWard(_ context.Context, wardID uuid.UUID, at time.Time) (*WardRecount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wards[wardID]
	if !ok {
		return nil, notFound("ward")
	}
	var actual Tally
	rooms := map[uuid.UUID]*RoomDelta{}
	for id, r := range s.rooms {
		if r.WardID == wardID {
			rooms[id] = &RoomDelta{}
		}
	}
	for _, b := range s.beds {
		if b.WardID != wardID || !b.Active {
			continue
		}
		actual = actual.Add(Added(b.Status))
		if c, ok := rooms[b.RoomID]; ok {
			c.Total++
			if b.Status == BedAvailable {
				c.Available++
			}
		}
	}

	rc := &WardRecount{Recorded: w.Tally, Actual: actual}
	if w.Tally != actual {
		w.Tally = actual
		w.UpdatedAt = at
	}
	for id, c := range rooms {
		r := s.rooms[id]
		d := RoomDelta{Total: c.Total - r.TotalBeds, Available: c.Available - r.AvailableBeds}
		if d == (RoomDelta{}) {
			continue
		}
		if rc.Rooms == nil {
			rc.Rooms = map[uuid.UUID]RoomDelta{}
		}
		rc.Rooms[id] = d
		r.TotalBeds, r.AvailableBeds = c.Total, c.Available
		r.UpdatedAt = at
	}
	return rc, nil
}

// memTx queues writes. Reads go straight to the committed maps.
type memTx struct {
	*MemoryStore
	ops []func(st *memStage) error
}

func (t *memTx) queue(op func(st *memStage) error) error {
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTx) InsertWard(_ context.Context, w *Ward) error {
	c := cloneWard(w)
	return t.queue(func(st *memStage) error {
		if _, ok := st.ward(c.ID); ok {
			return fmt.Errorf("ward %s: %w", c.ID, ErrDuplicate)
		}
		st.wards[c.ID] = c
		return nil
	})
}

func (t *memTx) DeactivateWard(_ context.Context, id uuid.UUID, at time.Time) error {
	return t.queue(func(st *memStage) error {
		w, ok := st.ward(id)
		if !ok || !w.Active {
			return ErrConflict
		}
		for _, b := range st.allBeds() {
			if b.WardID == id && b.Active && b.CurrentAdmissionID != nil {
				return ErrWardInUse
			}
		}
		w.Active = false
		w.UpdatedAt = at
		return nil
	})
}

func (t *memTx) AdjustWard(_ context.Context, wardID uuid.UUID, delta Tally, at time.Time) error {
	return t.queue(func(st *memStage) error {
		w, ok := st.ward(wardID)
		if !ok || !w.Active {
			return ErrConflict
		}
		w.Tally = w.Tally.Add(delta)
		w.UpdatedAt = at
		return nil
	})
}

func (t *memTx) InsertRoom(_ context.Context, r *Room) error {
	c := cloneRoom(r)
	return t.queue(func(st *memStage) error {
		if _, ok := st.room(c.ID); ok {
			return fmt.Errorf("room %s: %w", c.ID, ErrDuplicate)
		}
		for _, other := range st.allRooms() {
			if other.WardID == c.WardID && other.RoomNumber == c.RoomNumber {
				return fmt.Errorf("room number %q: %w", c.RoomNumber, ErrDuplicate)
			}
		}
		st.rooms[c.ID] = c
		return nil
	})
}

func (t *memTx) AdjustRoom(_ context.Context, roomID uuid.UUID, delta RoomDelta, at time.Time) error {
	return t.queue(func(st *memStage) error {
		r, ok := st.room(roomID)
		if !ok {
			return ErrConflict
		}
		r.TotalBeds += delta.Total
		r.AvailableBeds += delta.Available
		r.UpdatedAt = at
		return nil
	})
}

func (t *memTx) InsertBed(_ context.Context, b *Bed) error {
	c := cloneBed(b)
	return t.queue(func(st *memStage) error {
		if _, ok := st.bed(c.ID); ok {
			return fmt.Errorf("bed %s: %w", c.ID, ErrDuplicate)
		}
		for _, other := range st.allBeds() {
			if other.RoomID == c.RoomID && other.BedNumber == c.BedNumber {
				return fmt.Errorf("bed number %q: %w", c.BedNumber, ErrDuplicate)
			}
		}
		st.beds[c.ID] = c
		return nil
	})
}

func (t *memTx) SwapBed(_ context.Context, swap BedSwap) error {
	return t.queue(func(st *memStage) error {
		b, ok := st.bed(swap.BedID)
		if !ok || !b.Active || b.Status != swap.Expected {
			return ErrConflict
		}
		if swap.ExpectedAdmission != nil &&
			(b.CurrentAdmissionID == nil || *b.CurrentAdmissionID != *swap.ExpectedAdmission) {
			return ErrConflict
		}
		b.Status = swap.Next
		b.CurrentAdmissionID = nil
		if swap.AdmissionID != nil {
			id := *swap.AdmissionID
			b.CurrentAdmissionID = &id
		}
		b.StatusChangedAt = swap.At
		b.UpdatedAt = swap.At
		return nil
	})
}

func (t *memTx) RetireBed(_ context.Context, bedID uuid.UUID, expected BedStatus, at time.Time) error {
	return t.queue(func(st *memStage) error {
		b, ok := st.bed(bedID)
		if !ok || !b.Active || b.Status != expected || b.CurrentAdmissionID != nil {
			return ErrConflict
		}
		b.Active = false
		b.UpdatedAt = at
		return nil
	})
}

func (t *memTx) InsertAdmission(_ context.Context, a *Admission) error {
	c := cloneAdmission(a)
	return t.queue(func(st *memStage) error {
		if _, ok := st.admission(c.ID); ok {
			return fmt.Errorf("admission %s: %w", c.ID, ErrDuplicate)
		}
		if c.Status == AdmissionAdmitted {
			for _, other := range st.allAdmissions() {
				if other.Status != AdmissionAdmitted {
					continue
				}
				if other.OrganizationID == c.OrganizationID && other.PatientID == c.PatientID {
					return ErrPatientAlreadyAdmitted
				}
				if other.BedID == c.BedID {
					return ErrConflict
				}
			}
		}
		st.admissions[c.ID] = c
		return nil
	})
}

func (t *memTx) UpdateAdmission(_ context.Context, a *Admission, expected AdmissionStatus) error {
	c := cloneAdmission(a)
	return t.queue(func(st *memStage) error {
		cur, ok := st.admission(c.ID)
		if !ok || cur.Status != expected {
			return ErrConflict
		}
		history := cur.TransferHistory
		*cur = *c
		cur.TransferHistory = history
		return nil
	})
}

func (t *memTx) AppendTransfer(_ context.Context, admissionID uuid.UUID, rec *TransferRecord) error {
	c := *rec
	return t.queue(func(st *memStage) error {
		cur, ok := st.admission(admissionID)
		if !ok {
			return ErrConflict
		}
		c.Sequence = len(cur.TransferHistory) + 1
		cur.TransferHistory = append(cur.TransferHistory, c)
		return nil
	})
}

// memStage is a copy-on-write overlay over the committed maps. Records are
// copied on first touch so a failed commit leaves the store untouched.
type memStage struct {
	s          *MemoryStore
	wards      map[uuid.UUID]*Ward
	rooms      map[uuid.UUID]*Room
	beds       map[uuid.UUID]*Bed
	admissions map[uuid.UUID]*Admission
}

func newMemStage(s *MemoryStore) *memStage {
	return &memStage{
		s:          s,
		wards:      map[uuid.UUID]*Ward{},
		rooms:      map[uuid.UUID]*Room{},
		beds:       map[uuid.UUID]*Bed{},
		admissions: map[uuid.UUID]*Admission{},
	}
}

func (st *memStage) ward(id uuid.UUID) (*Ward, bool) {
	if w, ok := st.wards[id]; ok {
		return w, true
	}
	w, ok := st.s.wards[id]
	if !ok {
		return nil, false
	}
	c := cloneWard(w)
	st.wards[id] = c
	return c, true
}

func (st *memStage) room(id uuid.UUID) (*Room, bool) {
	if r, ok := st.rooms[id]; ok {
		return r, true
	}
	r, ok := st.s.rooms[id]
	if !ok {
		return nil, false
	}
	c := cloneRoom(r)
	st.rooms[id] = c
	return c, true
}

func (st *memStage) bed(id uuid.UUID) (*Bed, bool) {
	if b, ok := st.beds[id]; ok {
		return b, true
	}
	b, ok := st.s.beds[id]
	if !ok {
		return nil, false
	}
	c := cloneBed(b)
	st.beds[id] = c
	return c, true
}

func (st *memStage) admission(id uuid.UUID) (*Admission, bool) {
	if a, ok := st.admissions[id]; ok {
		return a, true
	}
	a, ok := st.s.admissions[id]
	if !ok {
		return nil, false
	}
	c := cloneAdmission(a)
	st.admissions[id] = c
	return c, true
}

func (st *memStage) allRooms() []*Room {
	out := make([]*Room, 0, len(st.s.rooms)+len(st.rooms))
	for id, r := range st.s.rooms {
		if _, staged := st.rooms[id]; !staged {
			out = append(out, r)
		}
	}
	for _, r := range st.rooms {
		out = append(out, r)
	}
	return out
}

func (st *memStage) allBeds() []*Bed {
	out := make([]*Bed, 0, len(st.s.beds)+len(st.beds))
	for id, b := range st.s.beds {
		if _, staged := st.beds[id]; !staged {
			out = append(out, b)
		}
	}
	for _, b := range st.beds {
		out = append(out, b)
	}
	return out
}

func (st *memStage) allAdmissions() []*Admission {
	out := make([]*Admission, 0, len(st.s.admissions)+len(st.admissions))
	for id, a := range st.s.admissions {
		if _, staged := st.admissions[id]; !staged {
			out = append(out, a)
		}
	}
	for _, a := range st.admissions {
		out = append(out, a)
	}
	return out
}

func (st *memStage) commit() {
	for id, w := range st.wards {
		st.s.wards[id] = w
	}
	for id, r := range st.rooms {
		st.s.rooms[id] = r
	}
	for id, b := range st.beds {
		st.s.beds[id] = b
	}
	for id, a := range st.admissions {
		st.s.admissions[id] = a
	}
}
