package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
)

type stubUsageReader struct {
	spent float64
	err   error
}

func (s *stubUsageReader) SumCostSince(ctx context.Context, userID string, t time.Time) (float64, error) {
	return s.spent, s.err
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestNormalizePlan(t *testing.T) {
	assert.Equal(t, "free", NormalizePlan(""))
	assert.Equal(t, "free", NormalizePlan("starter"))
	assert.Equal(t, "pro", NormalizePlan("pro"))
	assert.Equal(t, "enterprise", NormalizePlan("enterprise"))
}

func TestCostSeparatesCachedInput(t *testing.T) {
	rec := ai.ModelRecord{InputPerMTok: 3.0, OutputPerMTok: 15.0, CachedPerMTok: 0.30}
	u := ai.Usage{InputTokens: 1_000_000, OutputTokens: 100_000, CachedTokens: 500_000}

	// 0.5M uncached at $3 + 0.5M cached at $0.30 + 0.1M out at $15, in EUR.
	wantUSD := 0.5*3.0 + 0.5*0.30 + 0.1*15.0
	assert.InDelta(t, wantUSD*0.92, Cost(rec, u), 1e-9)
}

func TestCostClampsNegativeUncached(t *testing.T) {
	rec := ai.ModelRecord{InputPerMTok: 3.0, CachedPerMTok: 0.30}
	u := ai.Usage{InputTokens: 100, CachedTokens: 200}
	want := float64(200) * 0.30 / 1e6 * 0.92
	assert.InDelta(t, want, Cost(rec, u), 1e-12)
}

func TestBudgetGateExceeded(t *testing.T) {
	gate := NewBudgetGate(nil, &stubUsageReader{spent: 1.50}, testLog(t))

	status, err := gate.Check(context.Background(), "u1", "free")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
	assert.InDelta(t, 100.0, status.PercentUsed, 1e-9)
	assert.Equal(t, 1.50, status.LimitEUR)
}

func TestBudgetGateUnderLimit(t *testing.T) {
	gate := NewBudgetGate(nil, &stubUsageReader{spent: 2.50}, testLog(t))

	status, err := gate.Check(context.Background(), "u1", "pro")
	require.NoError(t, err)
	assert.False(t, status.Exceeded)
	assert.Equal(t, 15.0, status.LimitEUR)
	assert.InDelta(t, 2.50/15.0*100, status.PercentUsed, 1e-9)
}

func TestBudgetGateUnknownPlanFallsBackToFree(t *testing.T) {
	gate := NewBudgetGate(nil, &stubUsageReader{spent: 2.0}, testLog(t))

	status, err := gate.Check(context.Background(), "u1", "platinum")
	require.NoError(t, err)
	assert.Equal(t, "free", status.Plan)
	assert.True(t, status.Exceeded)
}

func TestBudgetGateOverrides(t *testing.T) {
	gate := NewBudgetGate(map[string]float64{"pro": 30, "starter": 3}, &stubUsageReader{spent: 2.0}, testLog(t))

	pro, err := gate.Check(context.Background(), "u1", "pro")
	require.NoError(t, err)
	assert.Equal(t, 30.0, pro.LimitEUR)

	// The starter override lands on the free key through normalization.
	free, err := gate.Check(context.Background(), "u1", "free")
	require.NoError(t, err)
	assert.Equal(t, 3.0, free.LimitEUR)
	assert.False(t, free.Exceeded)
}
