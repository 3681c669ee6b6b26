// Package audit holds the two independent side-channels that observe
// finished work without ever feeding back into live orchestration
// state: an append-only SQL history of terminal task records, and a
// fire-and-forget event exporter.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"labcell/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store is the SQLite/Postgres-backed task_history table.
type Store struct {
	*sql.DB
	dialect dialect
	driver  string
}

// TaskHistoryEntry is one terminal task record, as appended by Record.
type TaskHistoryEntry struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	CmdID        string    `json:"cmd_id"`
	CmdType      string    `json:"cmd_type"`
	Status       string    `json:"status"`
	SubmitTime   time.Time `json:"submit_time"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Result       string    `json:"result"`
	ErrorMessage string    `json:"error_message"`
}

// Open dials the configured SQL dialect and migrates task_history into
// existence.
func Open(cfg config.AuditStoreConfig) (*Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQLite(cfg.SQLite.Path)
	case "postgres":
		return openPostgres(cfg.Postgres)
	default:
		return nil, fmt.Errorf("audit: unsupported store driver: %s", cfg.Driver)
	}
}

func openSQLite(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, dialect: sqliteDialect{}, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return s, nil
}

func openPostgres(cfg config.PostgresConfig) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := &Store{DB: db, dialect: postgresDialect{}, driver: "postgres"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate postgres: %w", err)
	}
	return s, nil
}

func (s *Store) Driver() string { return s.driver }

// Q rewrites ? placeholders for PostgreSQL, passes through for SQLite.
func (s *Store) Q(query string) string {
	if s.driver == "postgres" {
		return rebind(query)
	}
	return query
}

func (s *Store) migrate() error {
	var schema string
	switch s.driver {
	case "sqlite":
		schema = schemaSQLite
	case "postgres":
		schema = schemaPostgres
	}
	_, err := s.Exec(schema)
	return err
}

// Record appends one terminal task record. Callers pass the task's
// Result already marshaled to JSON text; the store never unmarshals it
// back — this is export-only history, not live state.
func (s *Store) Record(e TaskHistoryEntry) error {
	_, err := s.Exec(s.Q(`INSERT INTO task_history
		(task_id, cmd_id, cmd_type, status, submit_time, start_time, end_time, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.TaskID, e.CmdID, e.CmdType, e.Status,
		e.SubmitTime, e.StartTime, e.EndTime, e.Result, e.ErrorMessage)
	return err
}

// ListRecent returns the most recent task_history rows, newest first.
func (s *Store) ListRecent(limit int) ([]TaskHistoryEntry, error) {
	rows, err := s.Query(s.Q(`SELECT id, task_id, cmd_id, cmd_type, status, submit_time, start_time, end_time, result, error_message
		FROM task_history ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var submit, start, end any
		if err := rows.Scan(&e.ID, &e.TaskID, &e.CmdID, &e.CmdType, &e.Status, &submit, &start, &end, &e.Result, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.SubmitTime = parseTime(submit)
		e.StartTime = parseTime(start)
		e.EndTime = parseTime(end)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarshalResult is a small helper so callers don't each re-derive how a
// possibly-nil result value becomes history text.
func MarshalResult(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
