package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/usage"
)

// usdToEUR is the fixed conversion applied to the USD price table.
const usdToEUR = 0.92

// defaultBudgets is the authoritative per-plan monthly EUR table. Config may
// override individual plans; "starter" is an alias of "free".
func defaultBudgets() map[string]float64 {
	return map[string]float64{
		"free": 1.50,
		"go":   5.00,
		"pro":  15.00,
		"team": 40.00,
	}
}

// NormalizePlan maps aliases and unknown plans onto table keys. Unknown plans
// fall back to the free tier rather than unlimited spend.
func NormalizePlan(plan string) string {
	switch plan {
	case "", "starter":
		return "free"
	default:
		return plan
	}
}

// Cost converts one turn's token usage to EUR using the model's price table:
// uncached input, cached input, and output are priced separately.
func Cost(rec ai.ModelRecord, u ai.Usage) float64 {
	uncached := u.InputTokens - u.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	usd := (float64(uncached)*rec.InputPerMTok +
		float64(u.CachedTokens)*rec.CachedPerMTok +
		float64(u.OutputTokens)*rec.OutputPerMTok) / 1e6
	return usd * usdToEUR
}

// UsageReader is the store surface the gate needs.
type UsageReader interface {
	SumCostSince(ctx context.Context, userID string, t time.Time) (float64, error)
}

// BudgetStatus reports a user's position against their plan budget.
type BudgetStatus struct {
	Plan        string  `json:"plan"`
	LimitEUR    float64 `json:"limitEur"`
	SpentEUR    float64 `json:"spentEur"`
	PercentUsed float64 `json:"percentUsed"`
	Exceeded    bool    `json:"exceeded"`
}

// BudgetGate checks month-to-date spend against the plan table before any
// model call is made.
type BudgetGate struct {
	budgets map[string]float64
	store   UsageReader
	logger  *logger.Logger
}

// NewBudgetGate merges config overrides over the built-in table.
func NewBudgetGate(overrides map[string]float64, store UsageReader, log *logger.Logger) *BudgetGate {
	budgets := defaultBudgets()
	for plan, eur := range overrides {
		budgets[NormalizePlan(plan)] = eur
	}
	return &BudgetGate{
		budgets: budgets,
		store:   store,
		logger:  log.WithFields(zap.String("component", "budget")),
	}
}

// Check sums the user's entries since the first of the month at local
// midnight and compares against the plan budget.
func (g *BudgetGate) Check(ctx context.Context, userID, plan string) (*BudgetStatus, error) {
	plan = NormalizePlan(plan)
	limit, ok := g.budgets[plan]
	if !ok {
		limit = g.budgets["free"]
		plan = "free"
	}

	spent, err := g.store.SumCostSince(ctx, userID, usage.MonthStart(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to read month-to-date usage: %w", err)
	}

	status := &BudgetStatus{
		Plan:     plan,
		LimitEUR: limit,
		SpentEUR: spent,
	}
	if limit > 0 {
		status.PercentUsed = spent / limit * 100
		status.Exceeded = spent >= limit
	}
	return status, nil
}
