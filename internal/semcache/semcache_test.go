package semcache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/calmdesk/calmdesk/engine/internal/semcache"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func newTestCache(t *testing.T) *semcache.Cache {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CALMDESK_DATA_DIR", dir)
	defer os.Unsetenv("CALMDESK_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return semcache.New(s)
}

var (
	vecA = []float64{1, 0, 0}
	vecB = []float64{0, 1, 0}
	// vecNearA has cosine similarity ≈ 0.9995 with vecA.
	vecNearA = []float64{1, 0.03, 0}
)

func TestGetSet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := models.CachedAnswer{
		Content:    "Refunds take 5 business days.",
		Confidence: 0.91,
		Citations:  []string{"src-1", "src-2"},
	}
	if err := c.Set(ctx, "acme", "how do refunds work", vecA, answer, time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "acme", "how do refunds work?", vecNearA)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = miss, want hit for near-identical fingerprint")
	}
	if got.Content != answer.Content || got.Confidence != answer.Confidence {
		t.Errorf("Get() = %+v, want %+v", got, answer)
	}
	if len(got.Citations) != 2 || got.Citations[0] != "src-1" {
		t.Errorf("Citations = %v, want order preserved", got.Citations)
	}
}

func TestGet_MissBelowThreshold(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "acme", "refunds", vecA, models.CachedAnswer{Content: "x"}, time.Hour)

	got, err := c.Get(ctx, "acme", "unrelated", vecB)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want miss for orthogonal query", got)
	}
}

func TestGet_ExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "acme", "refunds", vecA, models.CachedAnswer{Content: "x"}, time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, _ := c.Get(ctx, "acme", "refunds", vecA)
	if got != nil {
		t.Errorf("Get() = %+v, want miss for expired entry", got)
	}
}

func TestGet_TenantIsolation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "acme", "refunds", vecA, models.CachedAnswer{Content: "acme answer"}, time.Hour)

	got, _ := c.Get(ctx, "globex", "refunds", vecA)
	if got != nil {
		t.Errorf("Get() across tenants = %+v, want miss", got)
	}
}

func TestInvalidateTenant(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "acme", "q1", vecA, models.CachedAnswer{Content: "a1"}, time.Hour)
	c.Set(ctx, "globex", "q2", vecA, models.CachedAnswer{Content: "a2"}, time.Hour)

	if err := c.InvalidateTenant(ctx, "acme"); err != nil {
		t.Fatalf("InvalidateTenant() error = %v", err)
	}

	if got, _ := c.Get(ctx, "acme", "q1", vecA); got != nil {
		t.Error("acme entry survived invalidation")
	}
	if got, _ := c.Get(ctx, "globex", "q2", vecA); got == nil {
		t.Error("globex entry was wrongly invalidated")
	}
}

func TestSet_EmptyFingerprintRejected(t *testing.T) {
	c := newTestCache(t)
	if err := c.Set(context.Background(), "acme", "q", nil, models.CachedAnswer{}, time.Hour); err == nil {
		t.Error("Set() with empty fingerprint should error")
	}
}
