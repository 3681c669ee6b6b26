package audit

import (
	"path/filepath"
	"testing"
	"time"

	"labcell/config"
)

func TestSQLiteStoreRecordAndListRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(config.AuditStoreConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC()
	entry := TaskHistoryEntry{
		TaskID: "t1", CmdID: "c1", CmdType: "PICK_UP", Status: "COMPLETED",
		SubmitTime: now, StartTime: now, EndTime: now, Result: MarshalResult(map[string]int{"n": 1}),
	}
	if err := s.Record(entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := s.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(rows) != 1 || rows[0].TaskID != "t1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(config.AuditStoreConfig{Driver: "bogus"}); err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}
