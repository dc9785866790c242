package inpatient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/inpatient/internal/platform/telemetry"
)

// corrupt overwrites a ward's stored tally the way a lost update would.
func corrupt(s *MemoryStore, wardID uuid.UUID, mutate func(t *Tally)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.wards[wardID].Tally)
}

func TestReconcileWard_RepairsDrift(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(metrics))
	f.admit(f.beds[0], uuid.New())
	corrupt(f.store, f.ward.ID, func(t *Tally) {
		t.Occupied = 0
		t.Available = 5
	})

	report, err := f.svc.ReconcileWard(f.ctx, f.actor, f.ward.ID)
	if err != nil {
		t.Fatalf("ReconcileWard() error: %v", err)
	}
	if !report.HasDrift() || !report.Repaired {
		t.Fatalf("expected repaired drift, got %+v", report)
	}
	if report.Drift["occupied_beds"] != 1 || report.Drift["available_beds"] != -2 {
		t.Errorf("unexpected drift %v", report.Drift)
	}
	if report.Actual != f.wardTally(f.ward.ID) {
		t.Errorf("stored tally %+v not repaired to %+v", f.wardTally(f.ward.ID), report.Actual)
	}
	if ev := f.audit.last(); ev.Action != "ward.reconciled" || ev.ResourceID != f.ward.ID {
		t.Errorf("expected ward.reconciled event, got %+v", ev)
	}
	checkInvariants(t, f.store)

	if got := testutil.ToFloat64(metrics.CounterDriftTotal.WithLabelValues("available_beds")); got != 2 {
		t.Errorf("expected absolute drift 2 for available_beds, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.CounterDriftTotal.WithLabelValues("occupied_beds")); got != 1 {
		t.Errorf("expected drift 1 for occupied_beds, got %v", got)
	}

	again, err := f.svc.ReconcileWard(f.ctx, f.actor, f.ward.ID)
	if err != nil {
		t.Fatalf("second ReconcileWard() error: %v", err)
	}
	if again.HasDrift() || again.Repaired {
		t.Errorf("expected no drift on second run, got %v", again.Drift)
	}
	if got := testutil.ToFloat64(metrics.WardsReconciled); got != 2 {
		t.Errorf("expected 2 wards reconciled, got %v", got)
	}
}

func TestReconcileWard_RepairsRoomCounters(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(metrics))
	f.admit(f.beds[0], uuid.New())
	room := f.rooms[0]
	func() {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		f.store.rooms[room.ID].AvailableBeds = 99
		f.store.rooms[room.ID].TotalBeds = 2
	}()

	report, err := f.svc.ReconcileWard(f.ctx, f.actor, f.ward.ID)
	if err != nil {
		t.Fatalf("ReconcileWard() error: %v", err)
	}
	if len(report.Drift) != 0 {
		t.Errorf("expected ward tally intact, got %v", report.Drift)
	}
	if !report.HasDrift() || !report.Repaired {
		t.Fatalf("expected room drift to be repaired, got %+v", report)
	}
	if got := report.Rooms[room.ID]; got != (RoomDelta{Total: 2, Available: -96}) {
		t.Errorf("unexpected room drift %+v", got)
	}
	stored, err := f.store.GetRoom(f.ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom() error: %v", err)
	}
	if stored.TotalBeds != 4 || stored.AvailableBeds != 3 {
		t.Errorf("room counters not repaired: %d/%d", stored.AvailableBeds, stored.TotalBeds)
	}
	checkInvariants(t, f.store)
	if got := testutil.ToFloat64(metrics.CounterDriftTotal.WithLabelValues("room_available_beds")); got != 96 {
		t.Errorf("expected room drift 96, got %v", got)
	}

	again, err := f.svc.ReconcileWard(f.ctx, f.actor, f.ward.ID)
	if err != nil {
		t.Fatalf("second ReconcileWard() error: %v", err)
	}
	if again.HasDrift() || len(again.Rooms) != 0 {
		t.Errorf("expected no drift on second run, got %+v", again.Rooms)
	}
}

func TestReconcileWard_NoDriftIsSilent(t *testing.T) {
	f := newFixture(t)
	n := len(f.audit.actions())
	report, err := f.svc.ReconcileWard(f.ctx, f.actor, f.ward.ID)
	if err != nil {
		t.Fatalf("ReconcileWard() error: %v", err)
	}
	if report.HasDrift() || report.Actual.Total != 4 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(f.audit.actions()) != n {
		t.Error("reconcile without drift should not emit an event")
	}
}

func TestReconcileWard_OtherOrganization(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReconcileWard(f.ctx, Actor{ID: "x", OrganizationID: uuid.New()}, f.ward.ID)
	expectErr(t, err, ErrNotFound)
	_, err = f.svc.ReconcileWard(f.ctx, f.actor, uuid.New())
	expectErr(t, err, ErrNotFound)
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t)
	icu, _ := f.provision("ICU", WardICU, GenderAny, 2, 2)
	f.provision("South", WardGeneral, GenderAny, 1, 3)
	closed := f.createWard("Closed", WardGeneral, GenderAny)
	if err := f.svc.DeactivateWard(f.ctx, f.actor, closed.ID); err != nil {
		t.Fatalf("DeactivateWard() error: %v", err)
	}
	corrupt(f.store, f.ward.ID, func(t *Tally) { t.Cleaning = 2; t.Total = 6 })
	corrupt(f.store, icu.ID, func(t *Tally) { t.Blocked = -1 })

	sum, err := f.svc.ReconcileAll(f.ctx, f.actor)
	if err != nil {
		t.Fatalf("ReconcileAll() error: %v", err)
	}
	if sum.Wards != 3 || sum.Drifted != 2 || len(sum.Reports) != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	checkInvariants(t, f.store)

	sum, err = f.svc.ReconcileAll(f.ctx, f.actor)
	if err != nil || sum.Drifted != 0 || len(sum.Reports) != 0 {
		t.Errorf("expected clean second pass, got %+v, %v", sum, err)
	}

	other, err := f.svc.ReconcileAll(f.ctx, Actor{ID: "x", OrganizationID: uuid.New()})
	if err != nil || other.Wards != 0 {
		t.Errorf("expected no wards for another organization, got %+v, %v", other, err)
	}
}

func TestReconcileAll_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	if _, err := f.svc.ReconcileAll(ctx, f.actor); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReconciler_RunOnce(t *testing.T) {
	f := newFixture(t)
	corrupt(f.store, f.ward.ID, func(t *Tally) { t.Reserved = 1; t.Total = 5 })

	var scoped []string
	released := 0
	scope := func(ctx context.Context, tenant string) (context.Context, func(), error) {
		scoped = append(scoped, tenant)
		if tenant == "broken" {
			return nil, nil, errors.New("no such schema")
		}
		return ctx, func() { released++ }, nil
	}
	r := NewReconciler(f.svc, time.Minute, []ReconcileTarget{
		{TenantID: "broken", OrganizationID: f.actor.OrganizationID},
		{TenantID: "default", OrganizationID: f.actor.OrganizationID},
	}, scope, zerolog.Nop())

	if n := r.RunOnce(f.ctx); n != 1 {
		t.Errorf("expected one drifted ward, got %d", n)
	}
	if len(scoped) != 2 || released != 1 {
		t.Errorf("unexpected scope calls %v, released %d", scoped, released)
	}
	if ev := f.audit.last(); ev.ActorID != "system:reconciler" {
		t.Errorf("expected reconciler actor, got %q", ev.ActorID)
	}
	if n := r.RunOnce(f.ctx); n != 0 {
		t.Errorf("expected no drift on second pass, got %d", n)
	}
}

func TestReconciler_RunDisabled(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.svc, 0, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_RunTicks(t *testing.T) {
	f := newFixture(t)
	corrupt(f.store, f.ward.ID, func(t *Tally) { t.Maintenance = 3; t.Total = 7 })
	r := NewReconciler(f.svc, 10*time.Millisecond, []ReconcileTarget{
		{TenantID: "default", OrganizationID: f.actor.OrganizationID},
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for ctx.Err() == nil {
		if f.wardTally(f.ward.ID).Total == 4 {
			cancel()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.wardTally(f.ward.ID); got.Total != 4 || got.Maintenance != 0 {
		t.Errorf("expected the background pass to repair the tally, got %+v", got)
	}
}
