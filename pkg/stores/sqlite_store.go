package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ tree.Persister = (*SQLiteStore)(nil)
	_ engine.Journal = (*SQLiteStore)(nil)
)

// SQLiteStore persists committed snapshots and the operation journal.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// RetainSnapshots is how many snapshots SaveSnapshot keeps; 0 keeps all.
	RetainSnapshots int

	Logger zerolog.Logger
}

// NewSQLiteStore creates a store. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sqlite-store").Logger(),
	}, nil
}

// Init opens the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveSnapshot stores snap under generation and prunes old snapshots.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot, generation uint64) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (generation, version, resources, document, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(generation) DO UPDATE SET
			version = excluded.version,
			resources = excluded.resources,
			document = excluded.document,
			saved_at = excluded.saved_at
	`, int64(generation), snap.Version.String(), snap.Len(), string(doc), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %d: %w", generation, err)
	}

	if s.cfg.RetainSnapshots > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM snapshots WHERE generation NOT IN (
				SELECT generation FROM snapshots ORDER BY generation DESC LIMIT ?
			)
		`, s.cfg.RetainSnapshots)
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %d: %w", generation, err)
	}
	s.logger.Debug().Uint64("generation", generation).Int("resources", snap.Len()).Msg("Snapshot saved")
	return nil
}

// LoadLatest returns the newest snapshot and its generation, or ErrNoSnapshot.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*snapshot.Snapshot, uint64, error) {
	return s.loadSnapshot(ctx, `SELECT generation, document FROM snapshots ORDER BY generation DESC LIMIT 1`)
}

// LoadSnapshot returns the snapshot saved under generation, or ErrNoSnapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, generation uint64) (*snapshot.Snapshot, error) {
	snap, _, err := s.loadSnapshot(ctx, `SELECT generation, document FROM snapshots WHERE generation = ?`, int64(generation))
	return snap, err
}

func (s *SQLiteStore) loadSnapshot(ctx context.Context, query string, args ...interface{}) (*snapshot.Snapshot, uint64, error) {
	var generation int64
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&generation, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNoSnapshot
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &snapshot.Snapshot{}
	if err := json.Unmarshal([]byte(doc), snap); err != nil {
		return nil, 0, fmt.Errorf("failed to decode snapshot %d: %w", generation, err)
	}
	return snap, uint64(generation), nil
}

// ListSnapshots returns saved snapshots, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT generation, version, resources, saved_at
		FROM snapshots
		ORDER BY generation DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var generation, savedAt int64
		if err := rows.Scan(&generation, &info.Version, &info.Resources, &savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		info.Generation = uint64(generation)
		info.SavedAt = time.Unix(0, savedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Record appends rec to the operation journal.
func (s *SQLiteStore) Record(ctx context.Context, rec *engine.OperationRecord) error {
	var payload sql.NullString
	if rec.Payload != nil && rec.Payload.Len() > 0 {
		data, err := rec.Payload.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, type, address, payload, version, state, failure_code, failure_message,
			reload_required, restart_required, generation, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		string(rec.Type),
		rec.Address,
		payload,
		nullString(rec.Version),
		string(rec.State),
		nullString(rec.FailureCode),
		nullString(rec.FailureMessage),
		rec.ReloadRequired,
		rec.RestartRequired,
		int64(rec.Generation),
		rec.StartedAt.UnixNano(),
		int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record operation %s: %w", rec.ID, err)
	}
	return nil
}

// History returns journal records matching q, newest first.
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]*engine.OperationRecord, error) {
	var where []string
	var args []interface{}
	if q.Address != "" && q.Address != "/" {
		where = append(where, "(address = ? OR substr(address, 1, ?) = ?)")
		prefix := strings.TrimSuffix(q.Address, "/") + "/"
		args = append(args, q.Address, len(prefix), prefix)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(q.State))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, type, address, payload, version, state, failure_code, failure_message,
			reload_required, restart_required, generation, started_at, duration_ns
		FROM operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*engine.OperationRecord
	for rows.Next() {
		rec := &engine.OperationRecord{}
		var opType, state string
		var payload, version, code, message sql.NullString
		var generation, startedAt, duration int64
		if err := rows.Scan(&rec.ID, &opType, &rec.Address, &payload, &version, &state, &code, &message,
			&rec.ReloadRequired, &rec.RestartRequired, &generation, &startedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		rec.Type = engine.OperationType(opType)
		rec.State = engine.OperationState(state)
		rec.Version = version.String
		rec.FailureCode = code.String
		rec.FailureMessage = message.String
		rec.Generation = uint64(generation)
		rec.StartedAt = time.Unix(0, startedAt)
		rec.Duration = time.Duration(duration)
		if payload.Valid {
			rec.Payload = value.NewObject()
			if err := rec.Payload.UnmarshalJSON([]byte(payload.String)); err != nil {
				return nil, fmt.Errorf("failed to decode payload of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
