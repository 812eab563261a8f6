package interrupt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/reactor/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtCreate      *sql.Stmt
	stmtGet         *sql.Stmt
	stmtResolve     *sql.Stmt
	stmtListPending *sql.Stmt
	stmtListThread  *sql.Stmt
	stmtDelete      *sql.Stmt
}

// NewPostgresStore opens a connection pool from the DSN, bootstraps the
// schema, and prepares the statements.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying pool for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the interrupts table and its indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS interrupts (
	id          TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	tool_call   JSONB,
	question    TEXT NOT NULL DEFAULT '',
	options     JSONB,
	status      TEXT NOT NULL,
	response    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	PRIMARY KEY (thread_id, id)
);
CREATE INDEX IF NOT EXISTS interrupts_status_idx
	ON interrupts (status, expires_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap interrupts schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreate, err = s.db.Prepare(`
		INSERT INTO interrupts (id, thread_id, run_id, kind, tool_call, question, options, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("prepare create interrupt: %w", err)
	}

	s.stmtGet, err = s.db.Prepare(`
		SELECT id, thread_id, run_id, kind, tool_call, question, options, status, response, created_at, expires_at
		FROM interrupts WHERE thread_id = $1 AND id = $2
	`)
	if err != nil {
		return fmt.Errorf("prepare get interrupt: %w", err)
	}

	s.stmtResolve, err = s.db.Prepare(`
		UPDATE interrupts SET status = $1, response = $2, resolved_at = $3
		WHERE thread_id = $4 AND id = $5 AND status = 'pending'
	`)
	if err != nil {
		return fmt.Errorf("prepare resolve interrupt: %w", err)
	}

	s.stmtListPending, err = s.db.Prepare(`
		SELECT id, thread_id, run_id, kind, tool_call, question, options, status, response, created_at, expires_at
		FROM interrupts WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("prepare list pending: %w", err)
	}

	s.stmtListThread, err = s.db.Prepare(`
		SELECT id, thread_id, run_id, kind, tool_call, question, options, status, response, created_at, expires_at
		FROM interrupts WHERE status = 'pending' AND thread_id = $1
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("prepare list thread pending: %w", err)
	}

	s.stmtDelete, err = s.db.Prepare(`
		DELETE FROM interrupts WHERE status <> 'pending' AND resolved_at < $1
	`)
	if err != nil {
		return fmt.Errorf("prepare delete expired: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the pool.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreate, s.stmtGet, s.stmtResolve,
		s.stmtListPending, s.stmtListThread, s.stmtDelete,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing interrupt store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, interrupt *models.PendingInterrupt) error {
	if interrupt == nil || interrupt.ID == "" {
		return errors.New("interrupt ID is required")
	}

	toolCall, err := marshalNullable(interrupt.ToolCall)
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}
	options, err := marshalNullable(interrupt.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.stmtCreate.ExecContext(ctx,
		interrupt.ID,
		interrupt.ThreadID,
		interrupt.RunID,
		string(interrupt.Kind),
		toolCall,
		interrupt.Question,
		options,
		string(interrupt.Status),
		interrupt.CreatedAt,
		nullableTime(interrupt.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("create interrupt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, threadID, interruptID string) (*models.PendingInterrupt, error) {
	interrupt, err := scanInterrupt(s.stmtGet.QueryRowContext(ctx, threadID, interruptID))
	if err == sql.ErrNoRows {
		return nil, ErrInterruptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get interrupt: %w", err)
	}
	return interrupt, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, threadID, interruptID string, status models.InterruptStatus, resp *models.InterruptResponse) error {
	response, err := marshalNullable(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	result, err := s.stmtResolve.ExecContext(ctx,
		string(status),
		response,
		time.Now(),
		threadID,
		interruptID,
	)
	if err != nil {
		return fmt.Errorf("resolve interrupt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve interrupt rows affected: %w", err)
	}
	if rows == 0 {
		// Either the address is unknown or the interrupt already left
		// pending; a lookup tells them apart.
		if _, err := s.Get(ctx, threadID, interruptID); err != nil {
			return err
		}
		return ErrInterruptResolved
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, threadID string) ([]*models.PendingInterrupt, error) {
	var rows *sql.Rows
	var err error
	if threadID == "" {
		rows, err = s.stmtListPending.QueryContext(ctx)
	} else {
		rows, err = s.stmtListThread.QueryContext(ctx, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("list pending interrupts: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingInterrupt
	for rows.Next() {
		interrupt, err := scanInterrupt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interrupt: %w", err)
		}
		out = append(out, interrupt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending interrupts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.stmtDelete.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired interrupts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return rows, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterrupt(row rowScanner) (*models.PendingInterrupt, error) {
	var (
		interrupt    models.PendingInterrupt
		kind, status string
		toolCallJSON []byte
		optionsJSON  []byte
		responseJSON []byte
		expiresAt    sql.NullTime
	)
	err := row.Scan(
		&interrupt.ID,
		&interrupt.ThreadID,
		&interrupt.RunID,
		&kind,
		&toolCallJSON,
		&interrupt.Question,
		&optionsJSON,
		&status,
		&responseJSON,
		&interrupt.CreatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	interrupt.Kind = models.InterruptKind(kind)
	interrupt.Status = models.InterruptStatus(status)
	if expiresAt.Valid {
		interrupt.ExpiresAt = expiresAt.Time
	}
	if len(toolCallJSON) > 0 {
		interrupt.ToolCall = &models.ToolCall{}
		if err := json.Unmarshal(toolCallJSON, interrupt.ToolCall); err != nil {
			return nil, fmt.Errorf("unmarshal tool call: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &interrupt.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(responseJSON) > 0 {
		interrupt.Response = &models.InterruptResponse{}
		if err := json.Unmarshal(responseJSON, interrupt.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return &interrupt, nil
}

// marshalNullable marshals a value to JSON, mapping nil pointers and
// empty slices to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *models.ToolCall:
		if val == nil {
			return nil, nil
		}
	case *models.InterruptResponse:
		if val == nil {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
