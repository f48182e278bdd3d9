package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"buildplan.ai/internal/sim/supervisor"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Files lists every file this writer has produced so far, oldest first.
func (w *JSONLZstdWriter) Files() ([]string, error) {
	return filepath.Glob(filepath.Join(w.baseDir, w.prefix+"-*.jsonl.zst"))
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL calls fn with every line of a compressed JSONL file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

const (
	KindSearch  = "search"
	KindTrigger = "trigger"
)

// Entry is one line of a session log.
type Entry struct {
	Kind    string                    `json:"kind"`
	Time    time.Time                 `json:"time"`
	Search  *supervisor.SearchRecord  `json:"search,omitempty"`
	Trigger *supervisor.TriggerRecord `json:"trigger,omitempty"`
}

// SessionLogger writes one compressed JSONL entry per search and per trigger.
// It implements supervisor.Recorder. Write errors are logged and counted, never returned.
type SessionLogger struct {
	w   *JSONLZstdWriter
	log *stdlog.Logger

	mu     sync.Mutex
	errors int
}

func NewSessionLogger(dir, session string, logger *stdlog.Logger) *SessionLogger {
	return &SessionLogger{w: NewJSONLZstdWriter(filepath.Join(dir, session), "session"), log: logger}
}

func (l *SessionLogger) RecordSearch(r supervisor.SearchRecord) {
	l.write(Entry{Kind: KindSearch, Time: time.Now().UTC(), Search: &r})
}

func (l *SessionLogger) RecordTrigger(r supervisor.TriggerRecord) {
	l.write(Entry{Kind: KindTrigger, Time: time.Now().UTC(), Trigger: &r})
}

func (l *SessionLogger) write(e Entry) {
	if err := l.w.Write(e); err != nil {
		l.mu.Lock()
		l.errors++
		l.mu.Unlock()
		if l.log != nil {
			l.log.Printf("session log: kind=%s err=%v", e.Kind, err)
		}
	}
}

func (l *SessionLogger) Errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errors
}

func (l *SessionLogger) Files() ([]string, error) { return l.w.Files() }
func (l *SessionLogger) Close() error              { return l.w.Close() }
