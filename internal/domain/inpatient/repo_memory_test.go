package inpatient

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_FailedCommitLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	before := f.wardTally(f.ward.ID)
	b := f.beds[0]

	err := f.store.RunInTx(f.ctx, func(tx Tx) error {
		if err := tx.SwapBed(f.ctx, BedSwap{BedID: b.ID, Expected: BedAvailable, Next: BedBlocked, At: t0}); err != nil {
			return err
		}
		if err := tx.AdjustWard(f.ctx, f.ward.ID, Transition(BedAvailable, BedBlocked), t0); err != nil {
			return err
		}
		// Fails at commit: the bed is no longer AVAILABLE once the first op applies.
		return tx.SwapBed(f.ctx, BedSwap{BedID: b.ID, Expected: BedAvailable, Next: BedCleaning, At: t0})
	})
	expectErr(t, err, ErrConflict)

	if got := f.bed(b.ID); got.Status != BedAvailable {
		t.Errorf("expected bed unchanged, got %s", got.Status)
	}
	if got := f.wardTally(f.ward.ID); got != before {
		t.Errorf("expected tally unchanged, got %+v", got)
	}
	checkInvariants(t, f.store)
}

func TestMemoryStore_CallbackErrorDiscardsWrites(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	err := f.store.RunInTx(f.ctx, func(tx Tx) error {
		_ = tx.AdjustWard(f.ctx, f.ward.ID, Tally{Total: 1, Available: 1}, t0)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if f.wardTally(f.ward.ID).Total != 4 {
		t.Error("expected queued write discarded")
	}
}

func TestMemoryStore_CanceledContextAbortsCommit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	err := f.store.RunInTx(ctx, func(tx Tx) error {
		cancel()
		return tx.AdjustWard(ctx, f.ward.ID, Tally{Total: 1, Available: 1}, t0)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.wardTally(f.ward.ID).Total != 4 {
		t.Error("expected no write after cancel")
	}
}

func TestMemoryStore_TxReadsCommittedState(t *testing.T) {
	f := newFixture(t)
	b := f.beds[0]
	err := f.store.RunInTx(f.ctx, func(tx Tx) error {
		if err := tx.SwapBed(f.ctx, BedSwap{BedID: b.ID, Expected: BedAvailable, Next: BedReserved, At: t0}); err != nil {
			return err
		}
		got, err := tx.GetBed(f.ctx, b.ID)
		if err != nil {
			return err
		}
		if got.Status != BedAvailable {
			t.Errorf("expected queued write to stay invisible, got %s", got.Status)
		}
		if err := tx.AdjustRoom(f.ctx, b.RoomID, RoomTransition(BedAvailable, BedReserved), t0); err != nil {
			return err
		}
		return tx.AdjustWard(f.ctx, f.ward.ID, Transition(BedAvailable, BedReserved), t0)
	})
	if err != nil {
		t.Fatalf("RunInTx() error: %v", err)
	}
	if f.bed(b.ID).Status != BedReserved {
		t.Error("expected write visible after commit")
	}
	checkInvariants(t, f.store)
}

func TestMemoryStore_SwapBedGuards(t *testing.T) {
	f := newFixture(t)
	a := f.admit(f.beds[0], uuid.New())
	stranger := uuid.New()
	retired := f.beds[3]
	if err := f.svc.DeactivateBed(f.ctx, f.actor, retired.ID); err != nil {
		t.Fatalf("DeactivateBed() error: %v", err)
	}

	tests := []struct {
		name string
		swap BedSwap
		want error
	}{
		{"unknown bed", BedSwap{BedID: uuid.New(), Expected: BedAvailable, Next: BedBlocked}, ErrConflict},
		{"status moved on", BedSwap{BedID: f.beds[0].ID, Expected: BedAvailable, Next: BedBlocked}, ErrConflict},
		{"other admission", BedSwap{BedID: f.beds[0].ID, Expected: BedOccupied, ExpectedAdmission: &stranger, Next: BedCleaning}, ErrConflict},
		{"inactive bed", BedSwap{BedID: retired.ID, Expected: BedAvailable, Next: BedBlocked}, ErrConflict},
		{"matching guard", BedSwap{BedID: f.beds[1].ID, Expected: BedAvailable, Next: BedBlocked}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.RunInTx(f.ctx, func(tx Tx) error { return tx.SwapBed(f.ctx, tt.swap) })
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if got := f.bed(f.beds[0].ID); *got.CurrentAdmissionID != a.ID {
		t.Error("guarded swap must not clear the admission")
	}
}

func TestMemoryStore_InsertAdmissionGuards(t *testing.T) {
	f := newFixture(t)
	a := f.admit(f.beds[0], uuid.New())

	dup := *a
	dup.ID = uuid.New()
	dup.BedID = f.beds[1].ID
	err := f.store.RunInTx(f.ctx, func(tx Tx) error { return tx.InsertAdmission(f.ctx, &dup) })
	expectErr(t, err, ErrPatientAlreadyAdmitted)

	sameBed := *a
	sameBed.ID = uuid.New()
	sameBed.PatientID = uuid.New()
	err = f.store.RunInTx(f.ctx, func(tx Tx) error { return tx.InsertAdmission(f.ctx, &sameBed) })
	expectErr(t, err, ErrConflict)

	// Another organization may hold the same patient id.
	elsewhere := *a
	elsewhere.ID = uuid.New()
	elsewhere.OrganizationID = uuid.New()
	elsewhere.BedID = uuid.New()
	if err := f.store.RunInTx(f.ctx, func(tx Tx) error { return tx.InsertAdmission(f.ctx, &elsewhere) }); err != nil {
		t.Fatalf("InsertAdmission() for another organization: %v", err)
	}
}

func TestMemoryStore_UpdateAdmissionGuard(t *testing.T) {
	f := newFixture(t)
	a := f.admit(f.beds[0], uuid.New())
	upd := *a
	upd.Status = AdmissionLeave
	err := f.store.RunInTx(f.ctx, func(tx Tx) error { return tx.UpdateAdmission(f.ctx, &upd, AdmissionDischarged) })
	expectErr(t, err, ErrConflict)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	f := newFixture(t)
	b := f.bed(f.beds[0].ID)
	b.Status = BedBlocked
	w, _ := f.store.GetWard(f.ctx, f.ward.ID)
	w.Total = 99
	if f.bed(b.ID).Status != BedAvailable || f.wardTally(f.ward.ID).Total != 4 {
		t.Error("mutating a returned record must not change the store")
	}
}

func TestMemoryStore_ListBedsPaging(t *testing.T) {
	f := newFixture(t)
	beds, total, err := f.store.ListBeds(f.ctx, BedFilter{OrganizationID: f.actor.OrganizationID}, 3, 2)
	if err != nil || total != 4 || len(beds) != 2 {
		t.Fatalf("ListBeds() = %d of %d, %v", len(beds), total, err)
	}
	if beds[0].BedNumber != "N-01-C" {
		t.Errorf("expected bed number order, got %s", beds[0].BedNumber)
	}
	beds, _, _ = f.store.ListBeds(f.ctx, BedFilter{OrganizationID: f.actor.OrganizationID}, 3, 10)
	if len(beds) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(beds))
	}
	beds, _, _ = f.store.ListBeds(f.ctx, BedFilter{OrganizationID: f.actor.OrganizationID}, 0, 0)
	if len(beds) != 4 {
		t.Errorf("expected limit 0 to return every bed, got %d", len(beds))
	}
}

// TestRandomOperations drives a random mix of operations and checks that
// counters and references stay consistent after each step.
func TestRandomOperations(t *testing.T) {
	f := newFixture(t)
	_, icuBeds := f.provision("ICU", WardICU, GenderAny, 2, 3)
	_, womenBeds := f.provision("Women", WardGeneral, GenderFemale, 2, 2)
	beds := append(append(append([]*Bed{}, f.beds...), icuBeds...), womenBeds...)

	var patients []uuid.UUID
	for i := 0; i < 12; i++ {
		g := "female"
		if i%3 == 0 {
			g = "male"
		}
		patients = append(patients, f.dir.addPatient(g))
	}
	statuses := []BedStatus{BedAvailable, BedCleaning, BedMaintenance, BedReserved, BedBlocked}
	dispositions := []Disposition{DispositionHome, DispositionHospice, DispositionRehabilitation}

	rng := rand.New(rand.NewSource(42))
	var active []*Admission
	for step := 0; step < 600; step++ {
		f.clock.Advance(37 * time.Minute)
		bed := beds[rng.Intn(len(beds))]
		switch op := rng.Intn(10); {
		case op < 3:
			a, err := f.svc.Admit(f.ctx, f.actor, AdmitRequest{
				PatientID: patients[rng.Intn(len(patients))], BedID: bed.ID,
				AdmittingDiagnosis: "x", IsolationRequired: rng.Intn(4) == 0,
			})
			if err == nil {
				active = append(active, a)
			} else if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("step %d: Admit() unexpected error: %v", step, err)
			}
		case op < 5 && len(active) > 0:
			i := rng.Intn(len(active))
			_, err := f.svc.Transfer(f.ctx, f.actor, active[i].ID, TransferRequest{ToBedID: bed.ID, Reason: "shuffle"})
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Fatalf("step %d: Transfer() unexpected error: %v", step, err)
			}
		case op < 7 && len(active) > 0:
			i := rng.Intn(len(active))
			var err error
			switch rng.Intn(3) {
			case 0:
				_, err = f.svc.Discharge(f.ctx, f.actor, active[i].ID, DischargeRequest{Disposition: dispositions[rng.Intn(len(dispositions))]})
			case 1:
				_, err = f.svc.MarkDeceased(f.ctx, f.actor, active[i].ID, DeceasedRequest{})
			default:
				_, err = f.svc.MarkOnLeave(f.ctx, f.actor, active[i].ID, LeaveRequest{Reason: "pass"})
			}
			if err != nil {
				t.Fatalf("step %d: closing admission: %v", step, err)
			}
			active = append(active[:i], active[i+1:]...)
		default:
			_, err := f.svc.SetBedStatus(f.ctx, f.actor, bed.ID, statuses[rng.Intn(len(statuses))])
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Fatalf("step %d: SetBedStatus() unexpected error: %v", step, err)
			}
		}
		checkInvariants(t, f.store)
		if t.Failed() {
			t.Fatalf("invariants broken at step %d", step)
		}
	}

	sum, err := f.svc.ReconcileAll(f.ctx, f.actor)
	if err != nil {
		t.Fatalf("ReconcileAll() error: %v", err)
	}
	if sum.Drifted != 0 {
		t.Errorf("expected no drift after random operations, got %d wards", sum.Drifted)
	}
}
