// Package audit delivers domain audit events to one or more sinks: the
// structured log, the tenant database and a Kafka topic.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event records a committed state change.
type Event struct {
	ID             uuid.UUID              `json:"id"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	OrganizationID uuid.UUID              `json:"organization_id"`
	ActorID        string                 `json:"actor_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     uuid.UUID              `json:"resource_id"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// Sink accepts audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogSink writes each event as one zerolog line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("type", "inpatient_audit").Logger()}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("tenant_id", ev.TenantID).
		Str("organization_id", ev.OrganizationID.String()).
		Str("actor_id", ev.ActorID).
		Str("action", ev.Action).
		Str("resource_type", ev.ResourceType).
		Str("resource_id", ev.ResourceID.String()).
		Fields(ev.Detail).
		Time("occurred_at", ev.OccurredAt).
		Msg("audit")
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
