package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"solarfarm/internal/farm"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
	dialectMemory   DBDialect = "memory"

	defaultQueryTimeout = 5 * time.Second
)

// SQLRepository persists farms in sqlite or postgres. Version checks happen
// inside the UPDATE statement, so concurrent writers never both win.
type SQLRepository struct {
	dialect      DBDialect
	db           *sql.DB
	queryTimeout time.Duration
}

var (
	_ farm.Store           = (*SQLRepository)(nil)
	_ farm.ActivityTracker = (*SQLRepository)(nil)
)

// openRepositoryFromEnv returns nil, nil when DB_DIALECT=memory.
func openRepositoryFromEnv() (*SQLRepository, error) {
	dialectRaw := strings.TrimSpace(strings.ToLower(os.Getenv("DB_DIALECT")))
	if dialectRaw == "" {
		dialectRaw = string(dialectSQLite)
	}
	dialect := DBDialect(dialectRaw)

	timeout := defaultQueryTimeout
	if raw := strings.TrimSpace(os.Getenv("DB_QUERY_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid DB_QUERY_TIMEOUT %q", raw)
		}
		timeout = d
	}

	var driverName string
	var dsn string
	switch dialect {
	case dialectMemory:
		return nil, nil
	case dialectSQLite:
		driverName = "sqlite"
		path := strings.TrimSpace(os.Getenv("DB_SQLITE_PATH"))
		if path == "" {
			path = filepath.Join("tmp", "solarfarm.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = strings.TrimSpace(os.Getenv("DB_POSTGRES_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", dialectRaw)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		// a single writer connection serializes sqlite transactions
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	repo := &SQLRepository{dialect: dialect, db: db, queryTimeout: timeout}
	if dialect == dialectSQLite {
		if err := repo.initPragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("database: dialect=%s", dialect)
	return repo, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) initPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := r.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite %s: %w", strings.TrimSuffix(p, ";"), err)
		}
	}
	return nil
}

func (r *SQLRepository) bind(pos int) string {
	if r.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (r *SQLRepository) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = r.bind(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
	)
}

// withTimeout bounds one adapter call. An expired deadline surfaces as
// context.DeadlineExceeded, which the farm guard treats as retryable.
func (r *SQLRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *SQLRepository) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", r.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := r.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, userID string) (farm.State, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var payload string
	var version int64
	q := "SELECT payload, version FROM farms WHERE user_id = " + r.bind(1)
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return farm.State{}, fmt.Errorf("%w: %s", farm.ErrNotFound, userID)
	}
	if err != nil {
		return farm.State{}, fmt.Errorf("load farm %s: %w", userID, err)
	}

	var st farm.State
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return farm.State{}, fmt.Errorf("decode farm %s: %w", userID, err)
	}
	// the column is authoritative for CAS
	st.Version = version
	return st, nil
}

func (r *SQLRepository) Create(ctx context.Context, st farm.State) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	q := r.insertQuery("farms",
		[]string{"user_id", "version", "last_synced_at", "total_lifetime_energy", "payload", "created_at", "updated_at"},
	) + " ON CONFLICT (user_id) DO NOTHING"
	res, err := r.db.ExecContext(ctx, q,
		st.UserID, st.Version, st.LastSyncedAt.UnixMilli(), st.TotalLifetimeEnergy, asJSON(st), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert farm %s: %w", st.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert farm %s: %w", st.UserID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", farm.ErrAlreadyExists, st.UserID)
	}
	return nil
}

func (r *SQLRepository) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, next farm.State) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(
		"UPDATE farms SET version = %s, last_synced_at = %s, total_lifetime_energy = %s, payload = %s, updated_at = %s WHERE user_id = %s AND version = %s",
		r.bind(1), r.bind(2), r.bind(3), r.bind(4), r.bind(5), r.bind(6), r.bind(7),
	)
	res, err := r.db.ExecContext(ctx, q,
		next.Version, next.LastSyncedAt.UnixMilli(), next.TotalLifetimeEnergy, asJSON(next), time.Now().UTC(),
		userID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update farm %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update farm %s: %w", userID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at v%d", farm.ErrStaleVersion, userID, expectedVersion)
	}
	return nil
}

func (r *SQLRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q := r.insertQuery("user_activity", []string{"user_id", "last_seen"}) +
		" ON CONFLICT (user_id) DO UPDATE SET last_seen = excluded.last_seen"
	if _, err := r.db.ExecContext(ctx, q, userID, at.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("touch activity %s: %w", userID, err)
	}
	return nil
}

// LastSeen reads the activity row written by Touch.
func (r *SQLRepository) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var ms int64
	q := "SELECT last_seen FROM user_activity WHERE user_id = " + r.bind(1)
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: no activity for %s", farm.ErrNotFound, userID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load activity %s: %w", userID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func asJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
