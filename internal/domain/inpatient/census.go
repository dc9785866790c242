package inpatient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/inpatient/internal/platform/cache"
)

// CensusSummary is a tally with its occupancy rate. Occupancy counts
// OCCUPIED and ISOLATION beds.
type CensusSummary struct {
	Tally
	OccupancyRate float64 `json:"occupancy_rate"`
}

func summarize(t Tally) CensusSummary {
	return CensusSummary{Tally: t, OccupancyRate: t.OccupancyRate()}
}

type WardCensus struct {
	WardID            uuid.UUID         `json:"ward_id"`
	Name              string            `json:"name"`
	Code              *string           `json:"code,omitempty"`
	Type              WardType          `json:"type"`
	GenderRestriction GenderRestriction `json:"gender_restriction"`
	CensusSummary
}

type Census struct {
	OrganizationID uuid.UUID     `json:"organization_id"`
	Summary        CensusSummary `json:"summary"`
	Wards          []WardCensus  `json:"wards"`
	CriticalCare   CensusSummary `json:"critical_care"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// BuildCensus aggregates the active wards among wards.
func BuildCensus(orgID uuid.UUID, wards []*Ward, at time.Time) *Census {
	var total, critical Tally
	out := make([]WardCensus, 0, len(wards))
	for _, w := range wards {
		if !w.Active {
			continue
		}
		total = total.Add(w.Tally)
		if w.Type.CriticalCare() {
			critical = critical.Add(w.Tally)
		}
		out = append(out, WardCensus{
			WardID:            w.ID,
			Name:              w.Name,
			Code:              w.Code,
			Type:              w.Type,
			GenderRestriction: w.GenderRestriction,
			CensusSummary:     summarize(w.Tally),
		})
	}
	return &Census{
		OrganizationID: orgID,
		Summary:        summarize(total),
		Wards:          out,
		CriticalCare:   summarize(critical),
		GeneratedAt:    at,
	}
}

// GetCensus reports current capacity for an organization. With a cache
// configured, a snapshot up to the cache TTL old may be returned.
func (s *Service) GetCensus(ctx context.Context, orgID uuid.UUID) (_ *Census, err error) {
	ctx, end := s.begin(ctx, "census", attribute.String("organization.id", orgID.String()))
	defer end(&err)

	key := censusKey(ctx, orgID)
	if s.cache != nil {
		var c Census
		err := s.cache.GetJSON(ctx, key, &c)
		switch {
		case err == nil:
			s.metrics.CacheLookup(true)
			return &c, nil
		case errors.Is(err, cache.ErrMiss):
			s.metrics.CacheLookup(false)
		default:
			s.metrics.CacheLookup(false)
			s.logger.Warn().Err(err).Msg("census cache read failed")
		}
	}

	wards, err := s.store.ListWards(ctx, WardFilter{OrganizationID: orgID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	c := BuildCensus(orgID, wards, s.now())

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, c, s.cacheTTL); err != nil {
			s.logger.Warn().Err(err).Msg("census cache write failed")
		}
	}
	return c, nil
}
