// Package indexdb keeps a queryable SQLite index of planner sessions. The JSONL
// session logs remain the source of truth; rows may be dropped under load.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"buildplan.ai/internal/persistence/snapshot"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/supervisor"
	"buildplan.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSession  atomic.Uint64
	dropSearch   atomic.Uint64
	dropTrigger  atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqSessionStart reqKind = iota + 1
	reqSessionEnd
	reqSearch
	reqTrigger
	reqSnapshot
)

type req struct {
	kind reqKind

	session  sessionRow
	search   supervisor.SearchRecord
	trigger  supervisor.TriggerRecord
	snapshot snapshotRow
}

type sessionRow struct {
	Session   string
	Bot       string
	Race      string
	EnemyRace string
	Reaction  string
	At        string
	Err       string
}

type snapshotRow struct {
	Session string
	Frame   int
	Path    string
	Digest  string
	Entries int
}

// Stats reports queue pressure. Drop counters only grow.
type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropSessionTotal  uint64
	DropSearchTotal   uint64
	DropTriggerTotal  uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session TEXT PRIMARY KEY,
			bot TEXT NOT NULL,
			race TEXT NOT NULL,
			enemy_race TEXT NOT NULL,
			reaction TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			end_error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS searches (
			session TEXT NOT NULL,
			seq INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			results INTEGER NOT NULL,
			best_eval REAL NOT NULL,
			useful_eval REAL NOT NULL,
			nodes_visited INTEGER NOT NULL,
			nodes_expanded INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			order_json TEXT NOT NULL,
			PRIMARY KEY (session, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_searches_frame ON searches(session, frame);`,
		`CREATE TABLE IF NOT EXISTS triggers (
			session TEXT NOT NULL,
			seq INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			policy TEXT NOT NULL,
			action TEXT NOT NULL,
			dropped INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			queue_len INTEGER NOT NULL,
			queue_json TEXT NOT NULL,
			PRIMARY KEY (session, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_kind ON triggers(trigger, action);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session TEXT NOT NULL,
			frame INTEGER NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			entries INTEGER NOT NULL,
			PRIMARY KEY (session, frame)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropSessionTotal:  s.dropSession.Load(),
		DropSearchTotal:   s.dropSearch.Load(),
		DropTriggerTotal:  s.dropTrigger.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// enqueue never blocks; the JSONL log remains the source of truth.
func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordSessionStart(session, bot, race, enemyRace, reaction string) {
	s.enqueue(req{kind: reqSessionStart, session: sessionRow{
		Session:   session,
		Bot:       bot,
		Race:      race,
		EnemyRace: enemyRace,
		Reaction:  reaction,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropSession)
}

func (s *SQLiteIndex) RecordSessionEnd(session string, endErr error) {
	r := sessionRow{Session: session, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if endErr != nil {
		r.Err = endErr.Error()
	}
	s.enqueue(req{kind: reqSessionEnd, session: r}, &s.dropSession)
}

// RecordSearch and RecordTrigger make the index a supervisor.Recorder.
func (s *SQLiteIndex) RecordSearch(r supervisor.SearchRecord) {
	s.enqueue(req{kind: reqSearch, search: r}, &s.dropSearch)
}

func (s *SQLiteIndex) RecordTrigger(r supervisor.TriggerRecord) {
	s.enqueue(req{kind: reqTrigger, trigger: r}, &s.dropTrigger)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Session: snap.Header.Session,
		Frame:   snap.Header.Frame,
		Path:    path,
		Digest:  snap.Digest,
		Entries: len(snap.Order),
	}}, &s.dropSnapshot)
}

// UpsertCatalogs stores the configs the planner is running with.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cat *catalogs.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "actions.json")); err == nil {
			rows = append(rows, kv{name: "actions", digest: cat.DefsDigest, json: b})
		}
		if b, err := os.ReadFile(filepath.Join(configDir, "economy.json")); err == nil {
			rows = append(rows, kv{name: "economy", digest: cat.EconomyDigest, json: b})
		}
	}
	if b, _ := json.Marshal(cat.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "palette", digest: cat.PaletteDigest, json: b})
	}

	// Tuning: store the values we actually apply (canonical JSON).
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('catalog_digest',?)`, cat.Digest()); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session,bot,race,enemy_race,reaction,started_at) VALUES(?,?,?,?,?,?)`)
	endSession, _ := s.db.Prepare(`UPDATE sessions SET ended_at=?, end_error=? WHERE session=?`)
	insertSearch, _ := s.db.Prepare(`INSERT OR REPLACE INTO searches(session,seq,frame,results,best_eval,useful_eval,nodes_visited,nodes_expanded,elapsed_ms,order_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertTrigger, _ := s.db.Prepare(`INSERT OR REPLACE INTO triggers(session,seq,frame,trigger,policy,action,dropped,truncated,queue_len,queue_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session,frame,path,digest,entries) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, endSession, insertSearch, insertTrigger, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second

		// per-session sequence numbers (assigned in this goroutine)
		searchSeq  = map[string]int{}
		triggerSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSessionStart:
			se := r.session
			exec(insertSession, se.Session, se.Bot, se.Race, se.EnemyRace, se.Reaction, se.At)

		case reqSessionEnd:
			se := r.session
			var endErr any
			if se.Err != "" {
				endErr = se.Err
			}
			exec(endSession, se.At, endErr, se.Session)
			delete(searchSeq, se.Session)
			delete(triggerSeq, se.Session)

		case reqSearch:
			sr := r.search
			seq := searchSeq[sr.Session]
			searchSeq[sr.Session] = seq + 1
			order, _ := json.Marshal(sr.Order)
			exec(insertSearch,
				sr.Session,
				seq,
				sr.Frame,
				sr.Results,
				sr.BestEval,
				sr.UsefulEval,
				sr.NodesVisited,
				sr.NodesExpanded,
				sr.Elapsed.Milliseconds(),
				string(order),
			)

		case reqTrigger:
			tr := r.trigger
			seq := triggerSeq[tr.Session]
			triggerSeq[tr.Session] = seq + 1
			queue, _ := json.Marshal(tr.Queue)
			truncated := 0
			if tr.Truncated {
				truncated = 1
			}
			exec(insertTrigger,
				tr.Session,
				seq,
				tr.Frame,
				string(tr.Trigger),
				tr.Policy,
				tr.Action,
				tr.Dropped,
				truncated,
				tr.QueueLen,
				string(queue),
			)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Session, sn.Frame, sn.Path, sn.Digest, sn.Entries)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
