// Package usage persists AI token and cost accounting entries. The store is
// append-only; a periodic compaction trims entries older than the current
// billing month so the table stays bounded.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/db"
	"github.com/drape/drape/internal/db/dialect"
)

// Entry is one recorded model turn for one user.
type Entry struct {
	ID           int64     `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"userId"`
	Model        string    `db:"model" json:"model"`
	InputTokens  int       `db:"input_tokens" json:"inputTokens"`
	OutputTokens int       `db:"output_tokens" json:"outputTokens"`
	CachedTokens int       `db:"cached_tokens" json:"cachedTokens"`
	CostEUR      float64   `db:"cost_eur" json:"costEur"`
	Timestamp    time.Time `db:"created_at" json:"timestamp"`
}

// ModelTokens is the per-model aggregate returned by TokensSince.
type ModelTokens struct {
	Model        string `db:"model" json:"model"`
	InputTokens  int    `db:"input_tokens" json:"inputTokens"`
	OutputTokens int    `db:"output_tokens" json:"outputTokens"`
	CachedTokens int    `db:"cached_tokens" json:"cachedTokens"`
}

// ErrNegativeCost rejects entries that would violate the costEur >= 0 invariant.
var ErrNegativeCost = errors.New("usage entry cost must not be negative")

// Store persists usage entries on the shared db pool.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the store and runs its schema migration.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "usage_store")),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	driver := s.pool.Driver()
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS ai_usage (
			id %s,
			user_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			cost_eur REAL NOT NULL CHECK (cost_eur >= 0),
			created_at %s NOT NULL
		)`, idColumn(driver), dialect.TimestampType(driver))
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return err
	}
	index := `CREATE INDEX IF NOT EXISTS idx_ai_usage_user_time ON ai_usage (user_id, created_at)`
	_, err := s.pool.Writer().Exec(index)
	return err
}

func idColumn(driver string) string {
	if dialect.IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Record appends one entry. A zero timestamp is stamped with the current time.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.CostEUR < 0 {
		return ErrNegativeCost
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := dialect.Rebind(s.pool.Driver(), `
		INSERT INTO ai_usage (user_id, model, input_tokens, output_tokens, cached_tokens, cost_eur, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		entry.UserID, entry.Model, entry.InputTokens, entry.OutputTokens,
		entry.CachedTokens, entry.CostEUR, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record usage entry: %w", err)
	}
	return nil
}

// SumCostSince returns the total EUR cost for a user from t onward.
func (s *Store) SumCostSince(ctx context.Context, userID string, t time.Time) (float64, error) {
	query := dialect.Rebind(s.pool.Driver(), `
		SELECT COALESCE(SUM(cost_eur), 0) FROM ai_usage
		WHERE user_id = ? AND created_at >= ?`)
	var total float64
	if err := s.pool.Reader().GetContext(ctx, &total, query, userID, t); err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

// TokensSince returns per-model token sums for a user from t onward.
func (s *Store) TokensSince(ctx context.Context, userID string, t time.Time) ([]ModelTokens, error) {
	query := dialect.Rebind(s.pool.Driver(), `
		SELECT model,
		       COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cached_tokens), 0) AS cached_tokens
		FROM ai_usage
		WHERE user_id = ? AND created_at >= ?
		GROUP BY model
		ORDER BY model`)
	var out []ModelTokens
	if err := s.pool.Reader().SelectContext(ctx, &out, query, userID, t); err != nil {
		return nil, fmt.Errorf("failed to sum usage tokens: %w", err)
	}
	return out, nil
}

// ListSince returns raw entries for a user from t onward, oldest first.
func (s *Store) ListSince(ctx context.Context, userID string, t time.Time) ([]Entry, error) {
	query := dialect.Rebind(s.pool.Driver(), `
		SELECT id, user_id, model, input_tokens, output_tokens, cached_tokens, cost_eur, created_at
		FROM ai_usage
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at, id`)
	var out []Entry
	if err := s.pool.Reader().SelectContext(ctx, &out, query, userID, t); err != nil {
		return nil, fmt.Errorf("failed to list usage entries: %w", err)
	}
	return out, nil
}

// CompactBefore deletes entries older than t and reports how many went.
func (s *Store) CompactBefore(ctx context.Context, t time.Time) (int64, error) {
	query := dialect.Rebind(s.pool.Driver(), `DELETE FROM ai_usage WHERE created_at < ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, t)
	if err != nil {
		return 0, fmt.Errorf("failed to compact usage entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("compacted usage entries", zap.Int64("deleted", n), zap.Time("before", t))
	}
	return n, nil
}

// MonthStart returns the first of the current month at local midnight, the
// boundary of the billing window.
func MonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}
