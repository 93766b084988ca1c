package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	pool, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "usage.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool, log)
	require.NoError(t, err)
	return store
}

func TestRecordAndSum(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []Entry{
		{UserID: "u1", Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 500, CostEUR: 0.012, Timestamp: now},
		{UserID: "u1", Model: "gpt-4o", InputTokens: 2000, OutputTokens: 100, CachedTokens: 500, CostEUR: 0.006, Timestamp: now},
		{UserID: "u2", Model: "gpt-4o", InputTokens: 9999, OutputTokens: 9999, CostEUR: 1.0, Timestamp: now},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
	}

	total, err := store.SumCostSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.018, total, 1e-9)

	// Entries before the window are excluded.
	total, err = store.SumCostSince(ctx, "u1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRecordRejectsNegativeCost(t *testing.T) {
	store := newTestStore(t)
	err := store.Record(context.Background(), Entry{UserID: "u1", Model: "gpt-4o", CostEUR: -0.01})
	assert.ErrorIs(t, err, ErrNegativeCost)
}

func TestTokensSinceGroupsByModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, Entry{
			UserID: "u1", Model: "gemini-2.5-flash",
			InputTokens: 100, OutputTokens: 10, CachedTokens: 5,
			CostEUR: 0.001, Timestamp: now,
		}))
	}
	require.NoError(t, store.Record(ctx, Entry{
		UserID: "u1", Model: "claude-haiku-4-5",
		InputTokens: 50, OutputTokens: 20, CostEUR: 0.002, Timestamp: now,
	}))

	sums, err := store.TokensSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "claude-haiku-4-5", sums[0].Model)
	assert.Equal(t, "gemini-2.5-flash", sums[1].Model)
	assert.Equal(t, 300, sums[1].InputTokens)
	assert.Equal(t, 30, sums[1].OutputTokens)
	assert.Equal(t, 15, sums[1].CachedTokens)
}

// Summing stored per-entry costs must equal applying the price table to the
// summed token counts partitioned by model.
func TestCostAdditivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	catalog := ai.NewCatalog()
	now := time.Now().UTC()

	const usdToEur = 0.92
	cost := func(rec ai.ModelRecord, in, out, cached int) float64 {
		return (float64(in-cached)*rec.InputPerMTok +
			float64(cached)*rec.CachedPerMTok +
			float64(out)*rec.OutputPerMTok) / 1e6 * usdToEur
	}

	turns := []struct {
		model           string
		in, out, cached int
	}{
		{"claude-sonnet-4-5", 12000, 3000, 4000},
		{"claude-sonnet-4-5", 800, 150, 0},
		{"gpt-4o", 5000, 1200, 1000},
		{"gemini-2.5-flash", 30000, 9000, 0},
	}
	for _, turn := range turns {
		rec, err := catalog.Resolve(turn.model)
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, Entry{
			UserID: "u1", Model: turn.model,
			InputTokens: turn.in, OutputTokens: turn.out, CachedTokens: turn.cached,
			CostEUR: cost(rec, turn.in, turn.out, turn.cached), Timestamp: now,
		}))
	}

	stored, err := store.SumCostSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)

	sums, err := store.TokensSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	var recomputed float64
	for _, sum := range sums {
		rec, err := catalog.Resolve(sum.Model)
		require.NoError(t, err)
		recomputed += cost(rec, sum.InputTokens, sum.OutputTokens, sum.CachedTokens)
	}
	assert.InDelta(t, recomputed, stored, 1e-9)
}

func TestCompactBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, Entry{UserID: "u1", Model: "gpt-4o", CostEUR: 0.1, Timestamp: now.AddDate(0, -2, 0)}))
	require.NoError(t, store.Record(ctx, Entry{UserID: "u1", Model: "gpt-4o", CostEUR: 0.2, Timestamp: now}))

	deleted, err := store.CompactBefore(ctx, MonthStart(now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	left, err := store.ListSince(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.InDelta(t, 0.2, left[0].CostEUR, 1e-9)
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 8, 25, 17, 42, 3, 0, loc)
	start := MonthStart(now)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, loc), start)
}
