// Package storage keeps the history of scenario outcomes in SQLite and
// forwards pending rows to an external sink in the background.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	otaharness "github.com/OE4T/otaharness"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	EnvDBPath         = "OTAHARNESS_DB_PATH"
	defaultDBDirName  = ".otaharness"
	defaultDBFileName = "outcomes.sqlite"
	outcomeTableName  = "test_outcomes"
	reportedColumn    = "reported"
	reportedAtColumn  = "reported_at"
	reportErrorColumn = "report_error"
)

// Report states of a row.
const (
	reportStatusPending = 0
	reportStatusSuccess = 1
	reportStatusFailed  = -1
)

var outcomeColumns = []string{
	"run_id",
	"scenario",
	"iteration",
	"device",
	"host_id",
	"passed",
	"reason",
	"step",
	"retry_count",
	"slot_before",
	"slot_after",
	"started_at",
	"duration_ms",
}

// Store persists TestOutcome rows. It implements otaharness.OutcomeRecorder.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the outcome database at path. An empty
// path resolves through OTAHARNESS_DB_PATH and then ~/.otaharness.
func Open(path string) (*Store, error) {
	dbPath, err := resolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", dbPath).Msg("storage: outcome database ready")
	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome inserts one outcome as pending for the reporter.
func (s *Store) RecordOutcome(ctx context.Context, o otaharness.TestOutcome) error {
	passed := 0
	if o.Passed {
		passed = 1
	}
	err := execWithRetry(ctx, s.db, buildOutcomeInsertStatement(),
		o.RunID,
		o.Scenario,
		o.Iteration,
		o.Device,
		o.HostID,
		passed,
		o.Reason,
		o.Step,
		o.RetryCount,
		o.SlotBefore.String(),
		o.SlotAfter.String(),
		o.StartedAt.UnixMilli(),
		o.Duration.Milliseconds(),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: insert outcome failed")
	}
	return nil
}

func buildOutcomeInsertStatement() string {
	quoted := make([]string, len(outcomeColumns))
	placeholders := make([]string, len(outcomeColumns))
	for i, col := range outcomeColumns {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(outcomeTableName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}

func resolveDatabasePath(custom string) (string, error) {
	custom = strings.TrimSpace(custom)
	if custom == "" {
		custom = strings.TrimSpace(os.Getenv(EnvDBPath))
	}
	if custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	table := outcomeTableName
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			scenario TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			device TEXT,
			host_id TEXT,
			passed INTEGER NOT NULL,
			reason TEXT,
			step TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			slot_before TEXT,
			slot_after TEXT,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			%s INTEGER NOT NULL DEFAULT 0,
			%s INTEGER,
			%s TEXT
		);`, quoteIdent(table), reportedColumn, reportedAtColumn, reportErrorColumn)
	if _, err := db.Exec(createTable); err != nil {
		return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
	}
	// Columns added after the first schema version.
	for _, col := range []struct {
		name string
		typ  string
	}{
		{"host_id", "TEXT"},
		{"iteration", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := ensureSQLiteColumn(db, table, col.name, col.typ); err != nil {
			return err
		}
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s(run_id);`, table, quoteIdent(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_started ON %s(started_at DESC);`, table, quoteIdent(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_reported ON %s(%s);`, table, quoteIdent(table), reportedColumn),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite indexes failed")
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), column, columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(trimmed, `"`, `""`) + `"`
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).
			Str("sql", formatSQLForLog(stmt, args...)).Msg("storage: sqlite busy, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= 512 {
		return msg
	}
	return msg[:512]
}
