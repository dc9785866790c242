package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type snapshot struct {
	Total     int `json:"total_beds"`
	Available int `json:"available_beds"`
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisWithClient(client, "inpatient:")
}

func TestRedis_SetGet(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()

	if err := c.SetJSON(ctx, "census:org-1", snapshot{Total: 20, Available: 7}, 5*time.Second); err != nil {
		t.Fatalf("SetJSON() error: %v", err)
	}
	if !mr.Exists("inpatient:census:org-1") {
		t.Fatal("expected prefixed key in redis")
	}

	var got snapshot
	if err := c.GetJSON(ctx, "census:org-1", &got); err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if got.Total != 20 || got.Available != 7 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestRedis_Miss(t *testing.T) {
	_, c := setupRedis(t)
	var got snapshot
	err := c.GetJSON(context.Background(), "absent", &got)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestRedis_Expiry(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()

	if err := c.SetJSON(ctx, "census:org-2", snapshot{Total: 1}, 5*time.Second); err != nil {
		t.Fatalf("SetJSON() error: %v", err)
	}
	mr.FastForward(6 * time.Second)

	var got snapshot
	if err := c.GetJSON(ctx, "census:org-2", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after ttl, got %v", err)
	}
}

func TestRedis_Delete(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()

	c.SetJSON(ctx, "census:org-3", snapshot{Total: 4}, time.Minute)
	if err := c.Delete(ctx, "census:org-3"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if mr.Exists("inpatient:census:org-3") {
		t.Error("expected key to be deleted")
	}
}

func TestRedis_CorruptValue(t *testing.T) {
	mr, c := setupRedis(t)
	mr.Set("inpatient:census:bad", "{not json")

	var got snapshot
	err := c.GetJSON(context.Background(), "census:bad", &got)
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestRedis_Unreachable(t *testing.T) {
	mr, c := setupRedis(t)
	mr.Close()

	var got snapshot
	err := c.GetJSON(context.Background(), "census:org-1", &got)
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "://nope", "x:"); err == nil {
		t.Fatal("expected parse error")
	}
}
