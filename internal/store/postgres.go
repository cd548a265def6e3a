package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MaximeWewer/guacamole-session-broker/internal/brokererr"
)

// Store is the Postgres-backed session store. All operations use short
// transactions drawn from a bounded pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates the connection pool, bounded by minConns/maxConns, verifies
// connectivity, and ensures the schema exists.
func Open(ctx context.Context, dsn string, minConns, maxConns int32) (*Store, error) {
	if dsn == "" {
		return nil, brokererr.New("store.Open", brokererr.KindFatal, fmt.Errorf("postgres DSN is required"))
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, brokererr.New("store.Open", brokererr.KindFatal, fmt.Errorf("parse dsn: %w", err))
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, brokererr.New("store.Open", brokererr.KindFatal, fmt.Errorf("create postgres pool: %w", err))
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, brokererr.New("store.Open", brokererr.KindFatal, err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, brokererr.New("store.Open", brokererr.KindFatal, err)
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			username TEXT,
			gateway_connection_id TEXT,
			vnc_password BYTEA NOT NULL,
			workload_id TEXT,
			workload_ip TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_username_unique
			ON sessions(username) WHERE username IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_connection ON sessions(gateway_connection_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Save upserts a session. On conflict (existing session_id) only non-nil
// fields are merged via COALESCE, so a caller with a partial Session
// (e.g. just touching last_activity) cannot clobber unrelated columns.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	const q = `
		INSERT INTO sessions (
			session_id, username, gateway_connection_id, vnc_password,
			workload_id, workload_ip, created_at, started_at, last_activity, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,
			COALESCE(NULLIF($7, '0001-01-01'::timestamptz), now()),
			COALESCE(NULLIF($8, '0001-01-01'::timestamptz), now()),
			NULLIF($9, '0001-01-01'::timestamptz),
			now())
		ON CONFLICT (session_id) DO UPDATE SET
			username = COALESCE(EXCLUDED.username, sessions.username),
			gateway_connection_id = COALESCE(EXCLUDED.gateway_connection_id, sessions.gateway_connection_id),
			vnc_password = COALESCE(NULLIF(EXCLUDED.vnc_password, ''::bytea), sessions.vnc_password),
			workload_id = COALESCE(EXCLUDED.workload_id, sessions.workload_id),
			workload_ip = COALESCE(EXCLUDED.workload_ip, sessions.workload_ip),
			last_activity = COALESCE(EXCLUDED.last_activity, sessions.last_activity),
			updated_at = now()
	`
	_, err := s.pool.Exec(ctx, q,
		sess.SessionID, sess.Username, sess.GatewayConnectionID, sess.VNCPassword,
		sess.WorkloadID, sess.WorkloadIP, sess.CreatedAt, sess.StartedAt, sess.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return brokererr.New("store.Save", brokererr.KindConflict, err)
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const selectCols = `session_id, username, gateway_connection_id, vnc_password,
	workload_id, workload_ip, created_at, started_at, last_activity, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var lastActivity *time.Time
	if err := row.Scan(
		&sess.SessionID, &sess.Username, &sess.GatewayConnectionID, &sess.VNCPassword,
		&sess.WorkloadID, &sess.WorkloadIP, &sess.CreatedAt, &sess.StartedAt,
		&lastActivity, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastActivity != nil {
		sess.LastActivity = *lastActivity
	}
	return &sess, nil
}

// Get fetches a session by id. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetByUsername fetches the claimed session for a username. Returns nil,
// nil if not found.
func (s *Store) GetByUsername(ctx context.Context, username string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM sessions WHERE username = $1`, username)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by username: %w", err)
	}
	return sess, nil
}

// GetByConnection fetches the session owning a gateway connection id.
// Returns nil, nil if not found.
func (s *Store) GetByConnection(ctx context.Context, connectionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM sessions WHERE gateway_connection_id = $1`, connectionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by connection: %w", err)
	}
	return sess, nil
}

// Delete removes a session. Missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every session, pool and claimed alike.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM sessions ORDER BY created_at`)
}

// ListPool returns unclaimed pool entries, oldest first — the order the
// provisioner relies on for "first candidate wins".
func (s *Store) ListPool(ctx context.Context) ([]*Session, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM sessions WHERE username IS NULL ORDER BY created_at ASC`)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ProvisionedUsernames returns the set of usernames with a claimed
// session, used by the sync loop to diff against the gateway directory.
func (s *Store) ProvisionedUsernames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT username FROM sessions WHERE username IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("provisioned usernames: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out[u] = struct{}{}
	}
	return out, rows.Err()
}

// ClaimPool is the CAS that transitions a pool entry to a claimed
// session: it affects exactly one row, or zero if another caller won the
// race first.
func (s *Store) ClaimPool(ctx context.Context, sessionID, username string) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE sessions SET username = $2, started_at = now(), updated_at = now()
		 WHERE session_id = $1 AND username IS NULL`,
		sessionID, username,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim pool: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ClearWorkload nulls workload_id/workload_ip, used after the observer
// destroys a workload: on disconnect, in the idle sweep, or on force-evict.
func (s *Store) ClearWorkload(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET workload_id = NULL, workload_ip = NULL, updated_at = now() WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("clear workload: %w", err)
	}
	return nil
}

// TouchActivity stamps last_activity to now, used on disconnect when
// persist_after_disconnect keeps the workload alive.
func (s *Store) TouchActivity(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_activity = now(), updated_at = now() WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// IdleSessions returns claimed sessions with a workload whose last
// activity predates the cutoff, oldest-first.
func (s *Store) IdleSessions(ctx context.Context, cutoff func(*Session) bool) ([]*Session, error) {
	all, err := s.query(ctx, `SELECT `+selectCols+` FROM sessions
		WHERE username IS NOT NULL AND workload_id IS NOT NULL
		ORDER BY COALESCE(last_activity, started_at) ASC`)
	if err != nil {
		return nil, err
	}
	if cutoff == nil {
		return all, nil
	}
	var out []*Session
	for _, sess := range all {
		if cutoff(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
