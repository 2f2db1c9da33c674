package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/varejotech/insights/pkg/envelope"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCache(t *testing.T, clock clockwork.Clock) *Cache {
	t.Helper()
	c, err := New(&Config{Logger: testLogger(t), Dir: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testEnvelope(summary string) *envelope.Envelope {
	return &envelope.Envelope{Type: envelope.TypeProductRanking, Summary: summary}
}

func TestKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := Key("top_product", map[string]any{"limit": 10, "segmento": "TECIDOS"})
	b := Key("top_product", map[string]any{"segmento": "TECIDOS", "limit": 10})
	require.Equal(t, a, b)

	c := Key("top_branch", map[string]any{"limit": 10, "segmento": "TECIDOS"})
	require.NotEqual(t, a, c)
}

func TestKey_LowercasesStringValues(t *testing.T) {
	t.Parallel()

	a := Key("top_products_in_segment", map[string]any{"segmento": "TECIDOS"})
	b := Key("top_products_in_segment", map[string]any{"segmento": "tecidos"})
	require.Equal(t, a, b)

	c := Key("top_products_in_segment", map[string]any{"segmento": "armarinho"})
	require.NotEqual(t, a, c)
}

func TestTTLFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, 6*time.Hour, TTLFor("top_product"))
	require.Equal(t, 2*time.Hour, TTLFor("stuck_stock"))
	require.Equal(t, defaultTTL, TTLFor("something_else"))
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	params := map[string]any{"limit": 10}

	_, ok := c.Get("top_product", params)
	require.False(t, ok)

	c.Put("top_product", params, testEnvelope("ranking"), 300)

	got, ok := c.Get("top_product", params)
	require.True(t, ok)
	require.Equal(t, "ranking", got.Summary)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, int64(300), stats.TokensSaved)
	require.InDelta(t, 0.5, stats.HitRate, 0.001)
	require.Equal(t, 1, stats.DiskItems)
	require.Positive(t, stats.DiskBytes)
}

func TestCache_DiskSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	params := map[string]any{"segmento": "ARMARINHO"}

	first, err := New(&Config{Logger: testLogger(t), Dir: dir})
	require.NoError(t, err)
	first.Put("top_segment", params, testEnvelope("persisted"), 0)
	first.Close()

	second, err := New(&Config{Logger: testLogger(t), Dir: dir})
	require.NoError(t, err)
	defer second.Close()

	got, ok := second.Get("top_segment", params)
	require.True(t, ok)
	require.Equal(t, "persisted", got.Summary)
}

func TestCache_MemoryHitDoesNotExtendTTL(t *testing.T) {
	t.Parallel()

	c, err := New(&Config{Logger: testLogger(t)})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	params := map[string]any{"limit": 10}
	c.memory.Set(Key("top_product", params), &entry{Envelope: testEnvelope("hot")}, 200*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	_, ok := c.Get("top_product", params)
	require.True(t, ok)

	// A read at 120ms must not push expiry past the original 200ms.
	time.Sleep(120 * time.Millisecond)
	_, ok = c.Get("top_product", params)
	require.False(t, ok)
}

func TestCache_DiskEntryExpires(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	params := map[string]any{"codigo": 369947}

	first, err := New(&Config{Logger: testLogger(t), Dir: dir, Clock: clock})
	require.NoError(t, err)
	first.Put("product_lookup", params, testEnvelope("fresh"), 0)
	first.Close()

	clock.Advance(TTLFor("product_lookup") + time.Minute)

	second, err := New(&Config{Logger: testLogger(t), Dir: dir, Clock: clock})
	require.NoError(t, err)
	defer second.Close()

	_, ok := second.Get("product_lookup", params)
	require.False(t, ok)
	// The stale file is dropped on first read.
	require.Equal(t, 0, second.Stats().DiskItems)
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Put("top_product", map[string]any{"limit": 5}, testEnvelope("x"), 0)
	require.NoError(t, c.Clear())

	_, ok := c.Get("top_product", map[string]any{"limit": 5})
	require.False(t, ok)
	require.Equal(t, 0, c.Stats().DiskItems)
}

func TestCache_EvictsOldestWhenOverBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(&Config{Logger: testLogger(t), Dir: dir, MaxDiskBytes: 600})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 20; i++ {
		c.Put("top_product", map[string]any{"limit": i}, testEnvelope("padding entry to occupy disk budget"), 0)
	}

	stats := c.Stats()
	require.Less(t, stats.DiskItems, 20)
	require.LessOrEqual(t, stats.DiskBytes, int64(600))
}

func TestCache_WarmUp(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Put("top_branch", map[string]any{"limit": 10}, testEnvelope("already cached"), 0)

	var reproduced atomic.Bool
	jobs := []WarmJob{
		{
			Kind:   "top_product",
			Params: map[string]any{"limit": 10},
			Produce: func(ctx context.Context) (*envelope.Envelope, error) {
				return testEnvelope("warmed"), nil
			},
		},
		{
			Kind:   "top_branch",
			Params: map[string]any{"limit": 10},
			Produce: func(ctx context.Context) (*envelope.Envelope, error) {
				reproduced.Store(true)
				return testEnvelope("should not happen"), nil
			},
		},
		{
			Kind:   "stuck_stock",
			Params: map[string]any{},
			Produce: func(ctx context.Context) (*envelope.Envelope, error) {
				return nil, errors.New("store offline")
			},
		},
	}

	produced := c.WarmUp(context.Background(), jobs, 2)
	require.Equal(t, 1, produced)
	require.False(t, reproduced.Load(), "fresh entry must not be re-produced")

	got, ok := c.Get("top_product", map[string]any{"limit": 10})
	require.True(t, ok)
	require.Equal(t, "warmed", got.Summary)
}
