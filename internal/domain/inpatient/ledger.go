package inpatient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/inpatient/internal/platform/db"
)

const defaultReconcileParallelism = 4

// DriftReport compares a ward's stored tally with a recount of its beds.
// Drift maps a bucket name to actual minus recorded and is empty when the
// counters were correct. Rooms lists room counter drift by room id.
type DriftReport struct {
	WardID    uuid.UUID               `json:"ward_id"`
	Recorded  Tally                   `json:"recorded"`
	Actual    Tally                   `json:"actual"`
	Drift     map[string]int          `json:"drift"`
	Rooms     map[uuid.UUID]RoomDelta `json:"rooms,omitempty"`
	Repaired  bool                    `json:"repaired"`
	CheckedAt time.Time               `json:"checked_at"`
}

func (r *DriftReport) HasDrift() bool { return len(r.Drift) > 0 || len(r.Rooms) > 0 }

// ReconcileWard recounts the ward's active beds and repairs the stored tally
// if it drifted. Running it twice in a row reports no drift the second time.
func (s *Service) ReconcileWard(ctx context.Context, actor Actor, wardID uuid.UUID) (_ *DriftReport, err error) {
	ctx, end := s.begin(ctx, "reconcile_ward", attribute.String("ward.id", wardID.String()))
	defer end(&err)

	w, err := s.store.GetWard(ctx, wardID)
	if err != nil {
		return nil, err
	}
	if w.OrganizationID != actor.OrganizationID {
		return nil, notFound("ward")
	}

	now := s.now()
	rc, err := s.store.ReconcileWard(ctx, wardID, now)
	if err != nil {
		return nil, err
	}
	s.metrics.WardReconciled()

	report := &DriftReport{
		WardID:    wardID,
		Recorded:  rc.Recorded,
		Actual:    rc.Actual,
		Drift:     rc.Recorded.Diff(rc.Actual),
		Rooms:     rc.Rooms,
		CheckedAt: now,
	}
	if !report.HasDrift() {
		return report, nil
	}
	report.Repaired = true

	detail := make(map[string]interface{}, len(report.Drift))
	ev := s.logger.Warn().Str("ward_id", wardID.String()).Str("organization_id", w.OrganizationID.String())
	for bucket, n := range report.Drift {
		s.metrics.RecordDrift(bucket, n)
		ev = ev.Int(bucket, n)
		detail[bucket] = n
	}
	for _, d := range report.Rooms {
		s.metrics.RecordDrift("room_total_beds", d.Total)
		s.metrics.RecordDrift("room_available_beds", d.Available)
	}
	if len(report.Rooms) > 0 {
		ev = ev.Int("rooms_drifted", len(report.Rooms))
		detail["rooms_drifted"] = len(report.Rooms)
	}
	ev.Msg("ward counter drift repaired")

	s.emit(ctx, actor, "ward.reconciled", "ward", wardID, detail)
	s.invalidateCensus(ctx, w.OrganizationID)
	return report, nil
}

// ReconcileSummary is the outcome of ReconcileAll. Reports holds only the
// wards that drifted.
type ReconcileSummary struct {
	OrganizationID uuid.UUID      `json:"organization_id"`
	Wards          int            `json:"wards"`
	Drifted        int            `json:"drifted"`
	Reports        []*DriftReport `json:"reports"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// ReconcileAll reconciles every active ward of the actor's organization with
// bounded parallelism. The first error cancels the remaining wards.
func (s *Service) ReconcileAll(ctx context.Context, actor Actor) (*ReconcileSummary, error) {
	wards, err := s.store.ListWards(ctx, WardFilter{OrganizationID: actor.OrganizationID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	sum := &ReconcileSummary{
		OrganizationID: actor.OrganizationID,
		Wards:          len(wards),
		Reports:        []*DriftReport{},
		CheckedAt:      s.now(),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if db.ConnFromContext(ctx) != nil {
		// A tenant-bound connection serves one query at a time.
		g.SetLimit(1)
	} else {
		g.SetLimit(defaultReconcileParallelism)
	}
	for _, w := range wards {
		id := w.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := s.ReconcileWard(gctx, actor, id)
			if err != nil {
				return err
			}
			if r.HasDrift() {
				mu.Lock()
				sum.Reports = append(sum.Reports, r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(sum.Reports, func(i, j int) bool {
		return sum.Reports[i].WardID.String() < sum.Reports[j].WardID.String()
	})
	sum.Drifted = len(sum.Reports)
	return sum, nil
}

// ReconcileTarget names one organization inside one tenant schema.
type ReconcileTarget struct {
	TenantID       string
	OrganizationID uuid.UUID
}

// ScopeFunc binds ctx to a tenant, e.g. by acquiring a connection with the
// tenant's search_path. The returned func releases it.
type ScopeFunc func(ctx context.Context, tenantID string) (context.Context, func(), error)

// Reconciler periodically runs ReconcileAll for a fixed set of targets.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	targets  []ReconcileTarget
	scope    ScopeFunc
	logger   zerolog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, targets []ReconcileTarget, scope ScopeFunc, logger zerolog.Logger) *Reconciler {
	if scope == nil {
		scope = func(ctx context.Context, _ string) (context.Context, func(), error) { return ctx, func() {}, nil }
	}
	return &Reconciler{
		svc:      svc,
		interval: interval,
		targets:  targets,
		scope:    scope,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run blocks until ctx is done, reconciling once per interval.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 || len(r.targets) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every target and returns how many wards drifted.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	drifted := 0
	for _, t := range r.targets {
		n, err := r.reconcile(ctx, t)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return drifted
			}
			r.logger.Error().Err(err).Str("tenant_id", t.TenantID).
				Str("organization_id", t.OrganizationID.String()).Msg("reconcile failed")
			continue
		}
		drifted += n
	}
	return drifted
}

func (r *Reconciler) reconcile(ctx context.Context, t ReconcileTarget) (int, error) {
	ctx, release, err := r.scope(ctx, t.TenantID)
	if err != nil {
		return 0, err
	}
	defer release()

	sum, err := r.svc.ReconcileAll(ctx, Actor{ID: "system:reconciler", OrganizationID: t.OrganizationID})
	if err != nil {
		return 0, err
	}
	r.logger.Debug().Str("tenant_id", t.TenantID).Str("organization_id", t.OrganizationID.String()).
		Int("wards", sum.Wards).Int("drifted", sum.Drifted).Msg("reconcile pass complete")
	return sum.Drifted, nil
}
