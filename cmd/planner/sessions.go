package main

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"buildplan.ai/internal/persistence/archive"
	"buildplan.ai/internal/persistence/indexdb"
	persistlog "buildplan.ai/internal/persistence/log"
	"buildplan.ai/internal/persistence/mirror"
	"buildplan.ai/internal/persistence/snapshot"
	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/supervisor"
	"buildplan.ai/internal/transport/ws"
)

type openSession struct {
	hello   protocol.HelloMsg
	started time.Time
	log     *persistlog.SessionLogger
}

// sessionStore wires every session to the JSONL log, the index, snapshots and the mirror.
type sessionStore struct {
	dir      string
	cat      *catalogs.Catalog
	reaction string
	idx      *indexdb.SQLiteIndex
	mirror   *mirror.Mirror
	logger   *log.Logger

	mu   sync.Mutex
	open map[string]*openSession
}

func newSessionStore(dataDir string, cat *catalogs.Catalog, reaction string, idx *indexdb.SQLiteIndex, m *mirror.Mirror, logger *log.Logger) *sessionStore {
	return &sessionStore{
		dir:      filepath.Join(dataDir, "sessions"),
		cat:      cat,
		reaction: reaction,
		idx:      idx,
		mirror:   m,
		logger:   logger,
		open:     map[string]*openSession{},
	}
}

func (st *sessionStore) hooks() ws.Hooks {
	return ws.Hooks{Recorder: st.recorder, Closed: st.closed}
}

func (st *sessionStore) recorder(session string, hello protocol.HelloMsg) supervisor.Recorder {
	sl := persistlog.NewSessionLogger(st.dir, session, st.logger)
	reaction := hello.Reaction
	if reaction == "" {
		reaction = st.reaction
	}
	st.mu.Lock()
	st.open[session] = &openSession{hello: hello, started: time.Now().UTC(), log: sl}
	st.mu.Unlock()

	if st.idx == nil {
		return sl
	}
	st.idx.RecordSessionStart(session, hello.BotName, hello.Race, hello.EnemyRace, reaction)
	return supervisor.Recorders(sl, st.idx)
}

func (st *sessionStore) closed(session string, m *supervisor.Manager, endErr error) {
	st.mu.Lock()
	sess, ok := st.open[session]
	delete(st.open, session)
	st.mu.Unlock()
	if !ok {
		return
	}

	sessionDir := filepath.Join(st.dir, session)
	var uploads []mirror.Artifact

	var snapPath string
	var snap *snapshot.SnapshotV1
	if start, order, ok := m.LastSearch(); ok {
		s, err := snapshot.Capture(st.cat, session, start, order)
		if err != nil {
			st.printf("snapshot capture: session=%s err=%v", session, err)
		} else {
			snapPath = snapshot.PathFor(st.dir, session, s.Header.Frame)
			if err := snapshot.WriteSnapshot(snapPath, s); err != nil {
				st.printf("snapshot write: session=%s err=%v", session, err)
				snapPath = ""
			} else {
				snap = &s
				if st.idx != nil {
					st.idx.RecordSnapshot(snapPath, s)
				}
				uploads = append(uploads, mirror.Artifact{Kind: mirror.KindSnapshot, Path: snapPath})
			}
		}
	}

	if err := sess.log.Close(); err != nil {
		st.printf("session log close: session=%s err=%v", session, err)
	}
	logs, _ := sess.log.Files()
	for _, l := range logs {
		uploads = append(uploads, mirror.Artifact{Kind: mirror.KindLog, Path: l})
	}

	meta := archive.SessionMeta{
		Session:   session,
		Bot:       sess.hello.BotName,
		Race:      sess.hello.Race,
		EnemyRace: sess.hello.EnemyRace,
		Reaction:  sess.hello.Reaction,
		StartedAt: sess.started.Format(time.RFC3339Nano),
		Logs:      logs,
	}
	if meta.Reaction == "" {
		meta.Reaction = st.reaction
	}
	if endErr != nil {
		meta.Error = endErr.Error()
	}
	written, err := archive.ArchiveSession(sessionDir, snapPath, snap, meta)
	if err != nil {
		st.printf("archive: session=%s err=%v", session, err)
	}
	for _, p := range written {
		kind := mirror.KindSnapshot
		if filepath.Base(p) == archive.MetaFile {
			kind = mirror.KindMeta
		}
		uploads = append(uploads, mirror.Artifact{Kind: kind, Path: p})
	}

	if st.idx != nil {
		st.idx.RecordSessionEnd(session, endErr)
	}
	st.mirror.Publish(mirror.Session{ID: session, Artifacts: uploads})
}

func (st *sessionStore) printf(format string, args ...any) {
	if st.logger != nil {
		st.logger.Printf(format, args...)
	}
}
