package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/inpatient/internal/platform/db"
)

// PGSink inserts events into inpatient_audit_event of the event's tenant schema.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Emit(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	// Events are usually written from the async worker, where the request's
	// tenant connection is gone.
	if db.ConnFromContext(ctx) == nil && ev.TenantID != "" {
		var release func()
		ctx, release, err = db.WithTenant(ctx, s.pool, ev.TenantID)
		if err != nil {
			return err
		}
		defer release()
	}

	const insert = `
		INSERT INTO inpatient_audit_event (id, organization_id, actor_id, action, resource_type, resource_id, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	args := []interface{}{ev.ID, ev.OrganizationID, ev.ActorID, ev.Action, ev.ResourceType, ev.ResourceID, detail, ev.OccurredAt}

	if c := db.ConnFromContext(ctx); c != nil {
		_, err = c.Exec(ctx, insert, args...)
	} else {
		_, err = s.pool.Exec(ctx, insert, args...)
	}
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
