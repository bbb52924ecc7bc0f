package mirror

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite mirrors engine state into a local SQLite file. Expired rows are
// hidden from reads and removed by Compact.
type SQLite struct {
	db     *sqlx.DB
	prefix string
	logger *logrus.Logger
	now    func() time.Time
	ops    atomic.Uint64
}

type mirrorRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// NewSQLite opens (creating if needed) the database at path and migrates
// it to the current schema
func NewSQLite(path, prefix string, logger *logrus.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := migrateSchema(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Info("SQLite mirror initialized")
	return &SQLite{db: db, prefix: prefix, logger: logger, now: time.Now}, nil
}

// NewMigrator returns a migrate instance over the embedded mirror schema.
// Closing it also closes db.
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// migrateSchema applies pending migrations. The migrator is left open
// since closing it would close db.
func migrateSchema(db *sql.DB) error {
	m, err := NewMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.ops.Add(1)
	now := s.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		s.prefix+key, value, expiresAt, now.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	s.ops.Add(1)
	var value []byte
	err := s.db.GetContext(ctx, &value, `
		SELECT value FROM mirror_entries
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.prefix+key, s.now().UnixNano())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, delivery.ErrMirrorMiss
		}
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.ops.Add(1)
	var rows []mirrorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT key, value FROM mirror_entries
		WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`,
		escapeLike(s.prefix+prefix)+"%", s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", prefix, err)
	}

	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[strings.TrimPrefix(row.Key, s.prefix)] = row.Value
	}
	return out, nil
}

const sqliteDeleteBatch = 500

func (s *SQLite) Delete(ctx context.Context, keys ...string) (int64, error) {
	s.ops.Add(1)
	var removed int64
	for start := 0; start < len(keys); start += sqliteDeleteBatch {
		end := start + sqliteDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		full := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			full = append(full, s.prefix+key)
		}
		query, args, err := sqlx.In(`DELETE FROM mirror_entries WHERE key IN (?)`, full)
		if err != nil {
			return removed, fmt.Errorf("sqlite delete: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return removed, fmt.Errorf("sqlite delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("sqlite delete: %w", err)
		}
		removed += n
	}
	return removed, nil
}

// Compact deletes expired rows and returns how many were removed
func (s *SQLite) Compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mirror_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite compact: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite compact: %w", err)
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Debug("Compacted SQLite mirror")
	}
	return removed, nil
}

func (s *SQLite) Stats(ctx context.Context) (delivery.ExternalStoreMetrics, error) {
	stats := delivery.ExternalStoreMetrics{
		Connections: s.db.Stats().OpenConnections,
		Operations:  s.ops.Load(),
	}
	var pageCount, pageSize uint64
	if err := s.db.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return stats, fmt.Errorf("sqlite stats: %w", err)
	}
	if err := s.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return stats, fmt.Errorf("sqlite stats: %w", err)
	}
	stats.Memory = pageCount * pageSize
	return stats, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
