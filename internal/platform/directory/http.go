package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// HTTPClient queries a remote directory service:
//
//	GET {base}/patients/{id} -> Patient
//	GET {base}/staff/{id}    -> Staff
//
// Calls go through a circuit breaker so an unavailable directory costs one
// fast failure per lookup instead of a timeout. A 404 is not a failure.
type HTTPClient struct {
	client   *resty.Client
	patients *gobreaker.CircuitBreaker[*Patient]
	staff    *gobreaker.CircuitBreaker[*Staff]
}

// HTTPOptions tunes the client. Zero values use defaults.
type HTTPOptions struct {
	Timeout          time.Duration
	RetryCount       int
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func NewHTTPClient(baseURL string, opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")

	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.FailureThreshold
			},
		}
	}

	return &HTTPClient{
		client:   client,
		patients: gobreaker.NewCircuitBreaker[*Patient](settings("directory-patients")),
		staff:    gobreaker.NewCircuitBreaker[*Staff](settings("directory-staff")),
	}
}

func (c *HTTPClient) LookupPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := c.patients.Execute(func() (*Patient, error) {
		var out Patient
		found, err := c.get(ctx, "/patients/{id}", id.String(), &out)
		if err != nil || !found {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.ID == uuid.Nil {
		p.ID = id
	}
	return p, nil
}

func (c *HTTPClient) LookupStaff(ctx context.Context, userID string) (*Staff, error) {
	s, err := c.staff.Execute(func() (*Staff, error) {
		var out Staff
		found, err := c.get(ctx, "/staff/{id}", userID, &out)
		if err != nil || !found {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.ID == "" {
		s.ID = userID
	}
	return s, nil
}

// get returns found=false for a 404 and an error for any other non-2xx.
func (c *HTTPClient) get(ctx context.Context, path, id string, dst interface{}) (bool, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(dst).
		Get(path)
	if err != nil {
		return false, fmt.Errorf("directory request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("directory returned %d", resp.StatusCode())
	}
	return true, nil
}

// IsUnavailable reports whether err came from an open circuit.
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
