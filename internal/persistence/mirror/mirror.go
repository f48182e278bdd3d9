// Package mirror publishes finished sessions (logs, snapshots, meta.json) to object storage.
//
// Keys are derived from the session, not from local paths:
//
//	<prefix>/sessions/<session>/<kind>/<file>
//
// meta.json goes last and only when every other artifact of the session made it, so a
// remote meta.json means the session is complete.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader stores one local file under key.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Kind string

const (
	KindLog      Kind = "log"
	KindSnapshot Kind = "snapshot"
	KindMeta     Kind = "meta"
)

// Artifact is one file produced by a session.
type Artifact struct {
	Kind Kind
	Path string
}

var errIncomplete = errors.New("earlier artifacts failed")

// Session is a publish request for everything one session left behind.
type Session struct {
	ID        string
	Artifacts []Artifact
}

// Key is where a lands for session id.
func Key(prefix, id string, a Artifact) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", fmt.Errorf("bad session id %q", id)
	}
	switch a.Kind {
	case KindLog, KindSnapshot, KindMeta:
	default:
		return "", fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	base := filepath.Base(a.Path)
	if a.Path == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("artifact %s has no file name", a.Kind)
	}
	return path.Join(prefix, "sessions", id, string(a.Kind), base), nil
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int

	SessionsDropped  uint64
	SessionsComplete uint64
	SessionsPartial  uint64

	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	SkippedTotal       uint64

	LastSuccessUnix int64
	LastErrorUnix   int64
}

type Mirror struct {
	client Uploader
	prefix string
	logger *log.Logger

	sessions    chan Session
	maxAttempts int
	retryBase   time.Duration
	timeout     time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once

	sessionsDropped  atomic.Uint64
	sessionsComplete atomic.Uint64
	sessionsPartial  atomic.Uint64
	uploadOK         atomic.Uint64
	uploadFail       atomic.Uint64
	skipped          atomic.Uint64
	lastSuccessUnix  atomic.Int64
	lastErrorUnix    atomic.Int64
}

// New starts workers goroutines, each publishing one session at a time.
func New(client Uploader, prefix string, workers, queueCapacity int, logger *log.Logger) *Mirror {
	workers = max(workers, 1)
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	m := &Mirror{
		client:      client,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:      logger,
		sessions:    make(chan Session, queueCapacity),
		maxAttempts: 4,
		retryBase:   250 * time.Millisecond,
		timeout:     2 * time.Minute,
	}
	for range workers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for s := range m.sessions {
				m.publish(s)
			}
		}()
	}
	return m
}

// Publish queues a finished session. It never blocks; a full queue drops the session
// and the files stay on local disk.
func (m *Mirror) Publish(s Session) {
	if m == nil || m.client == nil || len(s.Artifacts) == 0 {
		return
	}
	select {
	case m.sessions <- s:
	default:
		n := m.sessionsDropped.Add(1)
		m.printf("mirror drop session=%s artifacts=%d reason=queue_full dropped_total=%d", s.ID, len(s.Artifacts), n)
	}
}

// Close waits for queued sessions to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() { close(m.sessions) })
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.sessions),
		QueueCapacity:      cap(m.sessions),
		SessionsDropped:    m.sessionsDropped.Load(),
		SessionsComplete:   m.sessionsComplete.Load(),
		SessionsPartial:    m.sessionsPartial.Load(),
		UploadSuccessTotal: m.uploadOK.Load(),
		UploadFailTotal:    m.uploadFail.Load(),
		SkippedTotal:       m.skipped.Load(),
		LastSuccessUnix:    m.lastSuccessUnix.Load(),
		LastErrorUnix:      m.lastErrorUnix.Load(),
	}
}

// publish uploads logs and snapshots first and meta last.
func (m *Mirror) publish(s Session) {
	var body, meta []Artifact
	for _, a := range s.Artifacts {
		if a.Kind == KindMeta {
			meta = append(meta, a)
		} else {
			body = append(body, a)
		}
	}

	failed := 0
	for _, a := range body {
		if err := m.upload(s.ID, a); err != nil {
			failed++
		}
	}
	for _, a := range meta {
		if failed > 0 {
			m.skipped.Add(1)
			m.printf("mirror skip session=%s kind=meta err=%v", s.ID, errIncomplete)
			continue
		}
		if err := m.upload(s.ID, a); err != nil {
			failed++
		}
	}

	if failed > 0 {
		m.sessionsPartial.Add(1)
		return
	}
	m.sessionsComplete.Add(1)
	m.printf("mirror published session=%s artifacts=%d", s.ID, len(s.Artifacts))
}

func (m *Mirror) upload(id string, a Artifact) error {
	key, err := Key(m.prefix, id, a)
	if err == nil {
		_, err = os.Stat(a.Path)
	}
	if err != nil {
		m.skipped.Add(1)
		m.printf("mirror skip session=%s kind=%s local=%s err=%v", id, a.Kind, a.Path, err)
		return err
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err = m.client.PutFile(ctx, key, a.Path)
		cancel()
		if err == nil {
			m.uploadOK.Add(1)
			m.lastSuccessUnix.Store(time.Now().UTC().Unix())
			return nil
		}
		if attempt+1 >= m.maxAttempts {
			break
		}
		time.Sleep(m.retryBase << attempt)
	}
	m.uploadFail.Add(1)
	m.lastErrorUnix.Store(time.Now().UTC().Unix())
	m.printf("mirror upload failed session=%s key=%s attempts=%d err=%v", id, key, m.maxAttempts, err)
	return err
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
