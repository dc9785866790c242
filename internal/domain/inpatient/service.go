package inpatient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/inpatient/internal/platform/audit"
	"github.com/ehr/inpatient/internal/platform/db"
	"github.com/ehr/inpatient/internal/platform/directory"
	"github.com/ehr/inpatient/internal/platform/telemetry"
)

// SnapshotCache stores serialized census snapshots. cache.Redis satisfies it.
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Service struct {
	store    Store
	logger   zerolog.Logger
	audit    audit.Sink
	patients directory.PatientDirectory
	staff    directory.StaffDirectory
	cache    SnapshotCache
	cacheTTL time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "inpatient").Logger() }
}

func WithAudit(sink audit.Sink) Option {
	return func(s *Service) { s.audit = sink }
}

func WithDirectories(p directory.PatientDirectory, st directory.StaffDirectory) Option {
	return func(s *Service) {
		if p != nil {
			s.patients = p
		}
		if st != nil {
			s.staff = st
		}
	}
}

// WithCache enables census snapshots. A non-positive ttl disables caching.
func WithCache(c SnapshotCache, ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cache, s.cacheTTL = c, ttl
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		logger:   zerolog.Nop(),
		patients: directory.Nop{},
		staff:    directory.Nop{},
		tracer:   otel.Tracer("github.com/ehr/inpatient/internal/domain/inpatient"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome classifies an operation result for metrics and span status.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}

// begin starts a span for op. The returned func must be deferred with the
// address of the operation's named error result.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "inpatient."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		outcome := Outcome(err)
		span.SetAttributes(attribute.String("inpatient.outcome", outcome))
		switch outcome {
		case "ok":
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error().Err(err).Str("op", op).Msg("operation failed")
		case "conflict":
			s.logger.Info().Err(err).Str("op", op).Msg("optimistic conflict")
		}
		span.End()
		s.metrics.ObserveOperation(op, outcome, time.Since(start))
	}
}

// emit hands a committed change to the audit sink. Failures never reach the caller.
func (s *Service) emit(ctx context.Context, actor Actor, action, resourceType string, resourceID uuid.UUID, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{
		ID:             uuid.New(),
		TenantID:       db.TenantFromContext(ctx),
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.ID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Detail:         detail,
		OccurredAt:     s.now(),
	}
	if err := s.audit.Emit(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("resource_id", resourceID.String()).Msg("audit emit failed")
		s.metrics.AuditDrop("sink_error")
	}
}

func censusKey(ctx context.Context, orgID uuid.UUID) string {
	return "census:" + db.TenantFromContext(ctx) + ":" + orgID.String()
}

func (s *Service) invalidateCensus(ctx context.Context, orgID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, censusKey(ctx, orgID)); err != nil {
		s.logger.Warn().Err(err).Str("organization_id", orgID.String()).Msg("census invalidation failed")
	}
}

func (s *Service) lookupPatient(ctx context.Context, id uuid.UUID) *directory.Patient {
	p, err := s.patients.LookupPatient(ctx, id)
	if err != nil {
		s.directoryMiss(err, "patient", id.String())
		return nil
	}
	s.metrics.DirectoryLookup("patient", "hit")
	return p
}

func (s *Service) lookupStaffName(ctx context.Context, userID string) *string {
	if userID == "" {
		return nil
	}
	st, err := s.staff.LookupStaff(ctx, userID)
	if err != nil {
		s.directoryMiss(err, "staff", userID)
		return nil
	}
	s.metrics.DirectoryLookup("staff", "hit")
	if st.Name == "" {
		return nil
	}
	return &st.Name
}

func (s *Service) directoryMiss(err error, kind, id string) {
	result := "error"
	switch {
	case errors.Is(err, directory.ErrNotFound):
		result = "miss"
	case directory.IsUnavailable(err):
		result = "unavailable"
	}
	s.metrics.DirectoryLookup(kind, result)
	s.logger.Debug().Err(err).Str("kind", kind).Str("id", id).Msg("directory lookup failed")
}

// activeWard loads a ward that is active and owned by orgID. Anything else
// looks like a missing ward to the caller.
func (s *Service) activeWard(ctx context.Context, id, orgID uuid.UUID) (*Ward, error) {
	w, err := s.store.GetWard(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Active || w.OrganizationID != orgID {
		return nil, notFound("ward")
	}
	return w, nil
}

// activeBed loads an active bed together with its active ward.
func (s *Service) activeBed(ctx context.Context, id, orgID uuid.UUID) (*Bed, *Ward, error) {
	b, err := s.store.GetBed(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !b.Active {
		return nil, nil, notFound("bed")
	}
	w, err := s.activeWard(ctx, b.WardID, orgID)
	if err != nil {
		return nil, nil, err
	}
	return b, w, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
