package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/retry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS abr_sessions (
	session_id   TEXT PRIMARY KEY,
	stream_key   TEXT NOT NULL,
	state        TEXT NOT NULL,
	variants     TEXT NOT NULL,
	unavailable  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	stopped_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS abr_sessions_stream_key_idx ON abr_sessions (stream_key, created_at DESC);
`

// SessionArchive persists session lifecycle rows in Postgres for post-hoc
// reporting. It sits off the hot path; callers treat failures as soft.
type SessionArchive struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewSessionArchive opens the connection pool and ensures the schema exists.
func NewSessionArchive(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*SessionArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "streamgate"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	// Retried so a database still starting up does not fail the process.
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, func() error {
		_, execErr := pool.Exec(ctx, schema)
		return execErr
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Infow("session archive connected", "backend", "postgres")
	return &SessionArchive{pool: pool, logger: logger}, nil
}

func (a *SessionArchive) RecordSession(ctx context.Context, snap domain.SessionSnapshot) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO abr_sessions (session_id, stream_key, state, variants, unavailable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE
		SET state = EXCLUDED.state, variants = EXCLUDED.variants, unavailable = EXCLUDED.unavailable`,
		string(snap.ID),
		string(snap.StreamKey),
		string(snap.State),
		strings.Join(snap.Variants, ","),
		strings.Join(snap.UnavailableVariants, ","),
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session row: %w", err)
	}
	return nil
}

func (a *SessionArchive) RecordStop(ctx context.Context, key domain.StreamKey, state domain.SessionState) error {
	_, err := a.pool.Exec(ctx, `
		UPDATE abr_sessions
		SET state = $2, stopped_at = $3
		WHERE stream_key = $1 AND stopped_at IS NULL`,
		string(key),
		string(state),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update session row: %w", err)
	}
	return nil
}

func (a *SessionArchive) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ ports.SessionArchive = (*SessionArchive)(nil)
