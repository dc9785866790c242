package inpatient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MaxProvisionRooms = 100
	MaxBedsPerRoom    = 12
)

type WardSpec struct {
	Name              string            `json:"name"`
	Code              *string           `json:"code,omitempty"`
	Type              WardType          `json:"type"`
	GenderRestriction GenderRestriction `json:"gender_restriction,omitempty"`
	Floor             *string           `json:"floor,omitempty"`
	Building          *string           `json:"building,omitempty"`
	Description       *string           `json:"description,omitempty"`
}

type RoomSpec struct {
	RoomNumber  string   `json:"room_number"`
	RoomType    RoomType `json:"room_type,omitempty"`
	HasBathroom bool     `json:"has_bathroom"`
	HasOxygen   bool     `json:"has_oxygen"`
	HasSuction  bool     `json:"has_suction"`
}

// BedSpec describes a new bed. A nil Equipment takes the ward type defaults.
type BedSpec struct {
	BedNumber string     `json:"bed_number"`
	Equipment *Equipment `json:"equipment,omitempty"`
}

type ProvisionResult struct {
	Ward  *Ward   `json:"ward"`
	Rooms []*Room `json:"rooms"`
	Beds  []*Bed  `json:"beds"`
}

func (s *Service) CreateWard(ctx context.Context, actor Actor, spec WardSpec) (_ *Ward, err error) {
	ctx, end := s.begin(ctx, "create_ward")
	defer end(&err)

	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, invalid("name is required")
	}
	if !spec.Type.Valid() {
		return nil, invalid("unknown ward type %q", spec.Type)
	}
	if spec.GenderRestriction == "" {
		spec.GenderRestriction = GenderAny
	}
	if !spec.GenderRestriction.Valid() {
		return nil, invalid("unknown gender restriction %q", spec.GenderRestriction)
	}

	now := s.now()
	w := &Ward{
		ID:                uuid.New(),
		OrganizationID:    actor.OrganizationID,
		Name:              spec.Name,
		Code:              spec.Code,
		Type:              spec.Type,
		GenderRestriction: spec.GenderRestriction,
		Floor:             spec.Floor,
		Building:          spec.Building,
		Description:       spec.Description,
		Active:            true,
		CreatedBy:         actor.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		return tx.InsertWard(ctx, w)
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "ward.created", "ward", w.ID, map[string]interface{}{"name": w.Name, "type": string(w.Type)})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return w, nil
}

func (s *Service) CreateRoom(ctx context.Context, actor Actor, wardID uuid.UUID, spec RoomSpec) (_ *Room, err error) {
	ctx, end := s.begin(ctx, "create_room", attribute.String("ward.id", wardID.String()))
	defer end(&err)

	spec.RoomNumber = strings.TrimSpace(spec.RoomNumber)
	if spec.RoomNumber == "" {
		return nil, invalid("room_number is required")
	}
	if spec.RoomType == "" {
		spec.RoomType = RoomGeneral
	}
	if !spec.RoomType.Valid() {
		return nil, invalid("unknown room type %q", spec.RoomType)
	}
	if _, err := s.activeWard(ctx, wardID, actor.OrganizationID); err != nil {
		return nil, err
	}

	now := s.now()
	r := &Room{
		ID:          uuid.New(),
		WardID:      wardID,
		RoomNumber:  spec.RoomNumber,
		RoomType:    spec.RoomType,
		HasBathroom: spec.HasBathroom,
		HasOxygen:   spec.HasOxygen,
		HasSuction:  spec.HasSuction,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		return tx.InsertRoom(ctx, r)
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "room.created", "room", r.ID, map[string]interface{}{"ward_id": wardID.String(), "room_number": r.RoomNumber})
	return r, nil
}

func (s *Service) CreateBed(ctx context.Context, actor Actor, roomID uuid.UUID, spec BedSpec) (_ *Bed, err error) {
	ctx, end := s.begin(ctx, "create_bed", attribute.String("room.id", roomID.String()))
	defer end(&err)

	spec.BedNumber = strings.TrimSpace(spec.BedNumber)
	if spec.BedNumber == "" {
		return nil, invalid("bed_number is required")
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, notFound("room")
	}
	ward, err := s.activeWard(ctx, room.WardID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}

	b := s.newBed(room, ward, spec.BedNumber, spec.Equipment)
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.InsertBed(ctx, b); err != nil {
			return err
		}
		if err := tx.AdjustWard(ctx, ward.ID, Added(BedAvailable), b.CreatedAt); err != nil {
			return err
		}
		return tx.AdjustRoom(ctx, room.ID, RoomDelta{Total: 1, Available: 1}, b.CreatedAt)
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "bed.created", "bed", b.ID, map[string]interface{}{
		"ward_id": ward.ID.String(), "room_id": room.ID.String(), "bed_number": b.BedNumber,
	})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return b, nil
}

func (s *Service) newBed(room *Room, ward *Ward, number string, eq *Equipment) *Bed {
	equipment := DefaultEquipment(ward.Type)
	if eq != nil {
		equipment = *eq
	}
	now := s.now()
	return &Bed{
		ID:              uuid.New(),
		RoomID:          room.ID,
		WardID:          ward.ID,
		BedNumber:       number,
		Status:          BedAvailable,
		Equipment:       equipment,
		Active:          true,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// BulkProvision creates roomsCount rooms of bedsPerRoom beds each in one
// transaction. Rooms are numbered <prefix>-NN after the ward's existing rooms,
// beds <room>-A, <room>-B and so on.
func (s *Service) BulkProvision(ctx context.Context, actor Actor, wardID uuid.UUID, roomPrefix string, roomsCount, bedsPerRoom int) (_ *ProvisionResult, err error) {
	ctx, end := s.begin(ctx, "bulk_provision",
		attribute.String("ward.id", wardID.String()),
		attribute.Int("rooms", roomsCount),
		attribute.Int("beds_per_room", bedsPerRoom))
	defer end(&err)

	roomPrefix = strings.TrimSpace(roomPrefix)
	switch {
	case roomPrefix == "":
		return nil, invalid("room_prefix is required")
	case roomsCount < 1 || roomsCount > MaxProvisionRooms:
		return nil, invalid("rooms_count must be between 1 and %d", MaxProvisionRooms)
	case bedsPerRoom < 1 || bedsPerRoom > MaxBedsPerRoom:
		return nil, invalid("beds_per_room must be between 1 and %d", MaxBedsPerRoom)
	}

	ward, err := s.activeWard(ctx, wardID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListRooms(ctx, wardID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := &ProvisionResult{}
	for i := 0; i < roomsCount; i++ {
		room := &Room{
			ID:            uuid.New(),
			WardID:        wardID,
			RoomNumber:    fmt.Sprintf("%s-%02d", roomPrefix, len(existing)+i+1),
			RoomType:      RoomGeneral,
			TotalBeds:     bedsPerRoom,
			AvailableBeds: bedsPerRoom,
			Active:        true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		res.Rooms = append(res.Rooms, room)
		for j := 0; j < bedsPerRoom; j++ {
			res.Beds = append(res.Beds, s.newBed(room, ward, fmt.Sprintf("%s-%c", room.RoomNumber, 'A'+j), nil))
		}
	}

	added := len(res.Beds)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		for _, r := range res.Rooms {
			if err := tx.InsertRoom(ctx, r); err != nil {
				return err
			}
		}
		for _, b := range res.Beds {
			if err := tx.InsertBed(ctx, b); err != nil {
				return err
			}
		}
		return tx.AdjustWard(ctx, wardID, Tally{Total: added, Available: added}, now)
	})
	if err != nil {
		return nil, err
	}

	if res.Ward, err = s.store.GetWard(ctx, wardID); err != nil {
		return nil, err
	}
	s.emit(ctx, actor, "ward.provisioned", "ward", wardID, map[string]interface{}{
		"room_prefix": roomPrefix, "rooms": roomsCount, "beds": added,
	})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return res, nil
}

// DeactivateWard hides a ward from admission and census. Beds keep their
// state so the ward can be audited later.
func (s *Service) DeactivateWard(ctx context.Context, actor Actor, wardID uuid.UUID) (err error) {
	ctx, end := s.begin(ctx, "deactivate_ward", attribute.String("ward.id", wardID.String()))
	defer end(&err)

	w, err := s.store.GetWard(ctx, wardID)
	if err != nil {
		return err
	}
	if w.OrganizationID != actor.OrganizationID {
		return notFound("ward")
	}
	if !w.Active {
		return fmt.Errorf("ward already inactive: %w", ErrInvalidState)
	}
	if w.InUse() > 0 {
		return ErrWardInUse
	}
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		return tx.DeactivateWard(ctx, wardID, s.now())
	}); err != nil {
		return err
	}

	s.emit(ctx, actor, "ward.deactivated", "ward", wardID, nil)
	s.invalidateCensus(ctx, actor.OrganizationID)
	return nil
}

// DeactivateBed retires a bed that holds no admission and removes it from
// the ward and room counters.
func (s *Service) DeactivateBed(ctx context.Context, actor Actor, bedID uuid.UUID) (err error) {
	ctx, end := s.begin(ctx, "deactivate_bed", attribute.String("bed.id", bedID.String()))
	defer end(&err)

	b, _, err := s.activeBed(ctx, bedID, actor.OrganizationID)
	if err != nil {
		return err
	}
	if b.CurrentAdmissionID != nil || b.Status.HoldsAdmission() {
		return ErrBedOccupied
	}

	now := s.now()
	roomDelta := RoomDelta{Total: -1}
	if b.Status == BedAvailable {
		roomDelta.Available = -1
	}
	if err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.RetireBed(ctx, b.ID, b.Status, now); err != nil {
			return err
		}
		if err := tx.AdjustWard(ctx, b.WardID, Removed(b.Status), now); err != nil {
			return err
		}
		return tx.AdjustRoom(ctx, b.RoomID, roomDelta, now)
	}); err != nil {
		return err
	}

	s.emit(ctx, actor, "bed.deactivated", "bed", b.ID, map[string]interface{}{"status": string(b.Status)})
	s.invalidateCensus(ctx, actor.OrganizationID)
	return nil
}

func (s *Service) GetWards(ctx context.Context, orgID uuid.UUID, f WardFilter) ([]*Ward, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, invalid("unknown ward type %q", f.Type)
	}
	f.OrganizationID = orgID
	return s.store.ListWards(ctx, f)
}

func (s *Service) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return s.store.GetWard(ctx, id)
}

func (s *Service) GetRooms(ctx context.Context, wardID uuid.UUID) ([]*Room, error) {
	if _, err := s.store.GetWard(ctx, wardID); err != nil {
		return nil, err
	}
	return s.store.ListRooms(ctx, wardID)
}

func (s *Service) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	return s.store.GetRoom(ctx, id)
}

func (s *Service) GetBeds(ctx context.Context, f BedFilter, limit, offset int) ([]*Bed, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("unknown bed status %q", f.Status)
	}
	return s.store.ListBeds(ctx, f, limit, offset)
}

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return s.store.GetBed(ctx, id)
}
