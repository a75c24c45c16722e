package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// SQLiteStore persists counters in a SQLite database so quota usage
// survives restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: log.Component("quota_store")}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("quota store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS quota_counters (
			client_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			period TEXT NOT NULL,
			period_start TEXT NOT NULL,
			messages_used INTEGER NOT NULL DEFAULT 0,
			conversations_used INTEGER NOT NULL DEFAULT 0,
			soft_limit INTEGER NOT NULL DEFAULT 0,
			accrued_cost REAL NOT NULL DEFAULT 0,
			over_quota INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (client_id, channel, period)
		);
	`)
	return err
}

// LoadCounters returns the stored day and month counters.
func (s *SQLiteStore) LoadCounters(ctx context.Context, clientID string, ch model.Channel) (*model.QuotaCounter, *model.QuotaCounter, error) {
	day, err := s.load(ctx, clientID, ch, model.PeriodDay)
	if err != nil {
		return nil, nil, err
	}
	month, err := s.load(ctx, clientID, ch, model.PeriodMonth)
	if err != nil {
		return nil, nil, err
	}
	return day, month, nil
}

func (s *SQLiteStore) load(ctx context.Context, clientID string, ch model.Channel, p model.Period) (*model.QuotaCounter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT period_start, messages_used, conversations_used, soft_limit, accrued_cost, over_quota
		FROM quota_counters
		WHERE client_id = ? AND channel = ? AND period = ?
	`, clientID, string(ch), string(p))

	var (
		start string
		over  int
	)
	c := &model.QuotaCounter{ClientID: clientID, Channel: ch, Period: p}
	err := row.Scan(&start, &c.MessagesUsed, &c.ConversationsUsed, &c.SoftLimit, &c.AccruedCost, &over)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying quota counter: %w", err)
	}

	c.PeriodStart, err = time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, fmt.Errorf("parsing period start: %w", err)
	}
	c.OverQuota = over != 0
	return c, nil
}

// SaveCounter upserts a counter.
func (s *SQLiteStore) SaveCounter(ctx context.Context, c *model.QuotaCounter) error {
	over := 0
	if c.OverQuota {
		over = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_counters (
			client_id, channel, period, period_start,
			messages_used, conversations_used, soft_limit, accrued_cost, over_quota, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, channel, period) DO UPDATE SET
			period_start = excluded.period_start,
			messages_used = excluded.messages_used,
			conversations_used = excluded.conversations_used,
			soft_limit = excluded.soft_limit,
			accrued_cost = excluded.accrued_cost,
			over_quota = excluded.over_quota,
			updated_at = excluded.updated_at
	`,
		c.ClientID,
		string(c.Channel),
		string(c.Period),
		c.PeriodStart.UTC().Format(time.RFC3339),
		c.MessagesUsed,
		c.ConversationsUsed,
		c.SoftLimit,
		c.AccruedCost,
		over,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting quota counter: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
