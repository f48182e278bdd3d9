package archive

import (
	"os"
	"path/filepath"
	"testing"

	"buildplan.ai/internal/persistence/snapshot"
)

func TestArchiveSession_WritesMetaAndCopiesSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "1200.snap.zst")
	if err := os.WriteFile(src, []byte("snap"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	logPath := filepath.Join(dir, "session-2026-01-01-00.jsonl.zst")
	snap := &snapshot.SnapshotV1{Header: snapshot.Header{Version: 1, Session: "s1", Frame: 1200}, Digest: "d"}

	written, err := ArchiveSession(dir, src, snap, SessionMeta{Session: "s1", Bot: "b", Race: "Protoss", Reaction: "fast", Logs: []string{logPath}})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("written: %v", written)
	}

	meta, snapPath, err := ReadMeta(dir)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.Frame != 1200 || meta.Digest != "d" || meta.EndedAt == "" {
		t.Fatalf("meta: %+v", meta)
	}
	if len(meta.Logs) != 1 || meta.Logs[0] != "session-2026-01-01-00.jsonl.zst" {
		t.Fatalf("logs: %v", meta.Logs)
	}
	b, err := os.ReadFile(snapPath)
	if err != nil || string(b) != "snap" {
		t.Fatalf("copied snapshot: %q %v", b, err)
	}
}

func TestArchiveSession_WithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	if _, err := ArchiveSession(dir, "", nil, SessionMeta{Session: "s2", Error: "boom"}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	meta, snapPath, err := ReadMeta(dir)
	if err != nil || snapPath != "" || meta.Error != "boom" {
		t.Fatalf("meta=%+v path=%q err=%v", meta, snapPath, err)
	}
}
