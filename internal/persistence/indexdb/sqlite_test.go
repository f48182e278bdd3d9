package indexdb

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"buildplan.ai/internal/persistence/snapshot"
	"buildplan.ai/internal/sim/simtest"
	"buildplan.ai/internal/sim/supervisor"
)

func TestSQLiteIndex_RecordsSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	var _ supervisor.Recorder = idx

	if err := idx.UpsertCatalogs(simtest.ConfigDir(t), simtest.Catalog(t), simtest.Tuning(t)); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	idx.RecordSessionStart("s1", "bot", "Protoss", "Zerg", "fast")
	idx.RecordSearch(supervisor.SearchRecord{Session: "s1", Frame: 0, Results: 2, BestEval: 300, UsefulEval: 120, Elapsed: 1500 * time.Millisecond, Order: []string{"Probe"}})
	idx.RecordSearch(supervisor.SearchRecord{Session: "s1", Frame: 400, Results: 1, Order: []string{"Pylon"}})
	idx.RecordTrigger(supervisor.TriggerRecord{Session: "s1", Frame: 500, Trigger: supervisor.TriggerUnitDied, Policy: "fast", Action: "repaired", Dropped: 2, Truncated: true, QueueLen: 1, Queue: []string{"Probe"}})
	idx.RecordSnapshot("/abs/s1/0.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{Version: 1, Session: "s1"}, Digest: "abc"})
	idx.RecordSessionEnd("s1", errors.New("boom"))
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := idx.Stats(); st.DropSearchTotal != 0 || st.DropTriggerTotal != 0 {
		t.Fatalf("unexpected drops: %+v", st)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var searches, lastSeq int
	if err := db.QueryRow(`SELECT COUNT(*), MAX(seq) FROM searches WHERE session='s1'`).Scan(&searches, &lastSeq); err != nil {
		t.Fatalf("searches: %v", err)
	}
	if searches != 2 || lastSeq != 1 {
		t.Fatalf("searches=%d last seq=%d", searches, lastSeq)
	}
	var elapsed int64
	if err := db.QueryRow(`SELECT elapsed_ms FROM searches WHERE session='s1' AND seq=0`).Scan(&elapsed); err != nil || elapsed != 1500 {
		t.Fatalf("elapsed_ms=%d err=%v", elapsed, err)
	}

	var trig, action string
	var dropped, truncated int
	if err := db.QueryRow(`SELECT trigger,action,dropped,truncated FROM triggers WHERE session='s1'`).Scan(&trig, &action, &dropped, &truncated); err != nil {
		t.Fatalf("triggers: %v", err)
	}
	if trig != "unit_died" || action != "repaired" || dropped != 2 || truncated != 1 {
		t.Fatalf("trigger row: %s %s %d %d", trig, action, dropped, truncated)
	}

	var endErr sql.NullString
	if err := db.QueryRow(`SELECT end_error FROM sessions WHERE session='s1'`).Scan(&endErr); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if endErr.String != "boom" {
		t.Fatalf("end_error=%q", endErr.String)
	}

	var catalogs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM catalogs`).Scan(&catalogs); err != nil || catalogs < 3 {
		t.Fatalf("catalog rows=%d err=%v", catalogs, err)
	}
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.RecordSearch(supervisor.SearchRecord{Session: "a"})
	s.RecordSearch(supervisor.SearchRecord{Session: "a"})
	s.RecordTrigger(supervisor.TriggerRecord{Session: "a"})
	s.RecordSessionStart("a", "b", "Protoss", "", "fast")

	st := s.Stats()
	if st.DropSearchTotal != 1 || st.DropTriggerTotal != 1 || st.DropSessionTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
