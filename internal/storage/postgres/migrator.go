package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Схема заказов витрины задаётся парами файлов NNNN_name.up.sql / NNNN_name.down.sql.
// В schema_migrations вместе с версией хранится sha256 up-скрипта: если файл
// изменили после применения, up останавливается с ErrMigrationDrift.

const (
	migrationsDir         = "sql/migrations"
	migrationLockKey      = int64(0x5f0de50001)
	migrationQueryTimeout = 5 * time.Second

	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	errStoreNotInitialized = errors.New("postgres store is not initialized")

	// ErrMigrationDrift возвращается, если применённая миграция отличается от встроенного файла.
	ErrMigrationDrift = errors.New("applied migration differs from embedded file")
)

type migrationStep struct {
	version  int64
	name     string
	up       string
	down     string
	checksum string
}

func (m migrationStep) label() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// MigrationInfo описывает одну встроенную миграцию в отчёте о состоянии.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drifted: файл изменён после применения.
	Drifted bool
}

// MigrationState описывает схему относительно встроенных миграций.
type MigrationState struct {
	Version    int64
	Applied    int
	Pending    int
	Drifted    int
	Migrations []MigrationInfo
}

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// MigrateUp применяет ожидающие миграции по возрастанию версии. steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, embedded []migrationStep, applied map[int64]appliedMigration) error {
		plan, err := planUp(embedded, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			err := runInTx(ctx, conn, m.up,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES ($1, $2, $3, NOW())`,
				m.version, m.name, m.checksum)
			if err != nil {
				return fmt.Errorf("apply %s: %w", m.label(), err)
			}
		}
		return nil
	})
}

// MigrateDown откатывает последние применённые миграции. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, embedded []migrationStep, applied map[int64]appliedMigration) error {
		plan, err := planDown(embedded, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			err := runInTx(ctx, conn, m.down, `DELETE FROM schema_migrations WHERE version = $1`, m.version)
			if err != nil {
				return fmt.Errorf("rollback %s: %w", m.label(), err)
			}
		}
		return nil
	})
}

// MigrationStatus возвращает состояние каждой встроенной миграции.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	embedded, err := parseMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationQueryTimeout)
	defer cancel()
	applied, err := readApplied(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return describe(embedded, applied), nil
}

// withMigrationLock держит advisory lock на выделенном соединении, пока выполняется fn.
func (s *Store) withMigrationLock(
	ctx context.Context,
	fn func(conn *sql.Conn, embedded []migrationStep, applied map[int64]appliedMigration) error,
) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	embedded, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationQueryTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	applied, err := readApplied(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, embedded, applied)
}

func readApplied(ctx context.Context, db sqlRunner) (map[int64]appliedMigration, error) {
	if _, err := db.ExecContext(ctx, migrationTableDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var (
			version int64
			rec     appliedMigration
		)
		if err := rows.Scan(&version, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// drifted: пустая контрольная сумма означает запись, сделанную до её появления.
func drifted(m migrationStep, rec appliedMigration) bool {
	return rec.checksum != "" && rec.checksum != m.checksum
}

func planUp(embedded []migrationStep, applied map[int64]appliedMigration, steps int) ([]migrationStep, error) {
	var plan []migrationStep
	for _, m := range embedded {
		rec, ok := applied[m.version]
		if ok {
			if drifted(m, rec) {
				return nil, fmt.Errorf("%w: %s", ErrMigrationDrift, m.label())
			}
			continue
		}
		if steps > 0 && len(plan) == steps {
			continue
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func planDown(embedded []migrationStep, applied map[int64]appliedMigration, steps int) ([]migrationStep, error) {
	byVersion := make(map[int64]migrationStep, len(embedded))
	for _, m := range embedded {
		byVersion[m.version] = m
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)
	if len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migrationStep, 0, len(versions))
	for _, version := range versions {
		m, ok := byVersion[version]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func describe(embedded []migrationStep, applied map[int64]appliedMigration) MigrationState {
	state := MigrationState{Migrations: make([]MigrationInfo, 0, len(embedded))}
	for version := range applied {
		state.Applied++
		state.Version = max(state.Version, version)
	}
	for _, m := range embedded {
		info := MigrationInfo{Version: m.version, Name: m.name}
		if rec, ok := applied[m.version]; ok {
			info.Applied = true
			info.AppliedAt = rec.appliedAt
			info.Drifted = drifted(m, rec)
		} else {
			state.Pending++
		}
		if info.Drifted {
			state.Drifted++
		}
		state.Migrations = append(state.Migrations, info)
	}
	return state
}

// runInTx выполняет скрипт миграции и запись в schema_migrations атомарно.
func runInTx(ctx context.Context, conn *sql.Conn, script, record string, args ...any) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("update schema_migrations: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func parseMigrations(fsys fs.FS) ([]migrationStep, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", migrationsDir, err)
	}

	steps := make(map[int64]*migrationStep)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		parts := migrationFileName.FindStringSubmatch(file)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", file)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", file, err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, file))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration file is empty: %s", file)
		}

		step := steps[version]
		if step == nil {
			step = &migrationStep{version: version, name: parts[2]}
			steps[version] = step
		}
		if step.name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, step.name, parts[2])
		}

		target := &step.up
		if parts[3] == "down" {
			target = &step.down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s script for migration %d", parts[3], version)
		}
		*target = script
	}
	if len(steps) == 0 {
		return nil, errors.New("no migration files found")
	}

	result := make([]migrationStep, 0, len(steps))
	for _, step := range steps {
		if step.up == "" || step.down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", step.label())
		}
		sum := sha256.Sum256([]byte(step.up))
		step.checksum = hex.EncodeToString(sum[:])
		result = append(result, *step)
	}
	slices.SortFunc(result, func(a, b migrationStep) int {
		switch {
		case a.version < b.version:
			return -1
		case a.version > b.version:
			return 1
		default:
			return 0
		}
	})
	return result, nil
}
