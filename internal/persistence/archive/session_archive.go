package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"buildplan.ai/internal/persistence/snapshot"
)

const MetaFile = "meta.json"

// SessionMeta describes a finished session directory.
type SessionMeta struct {
	Session   string   `json:"session"`
	Bot       string   `json:"bot"`
	Race      string   `json:"race"`
	EnemyRace string   `json:"enemy_race,omitempty"`
	Reaction  string   `json:"reaction"`
	StartedAt string   `json:"started_at"`
	EndedAt   string   `json:"ended_at"`
	Error     string   `json:"error,omitempty"`
	Snapshot  string   `json:"snapshot,omitempty"`
	Frame     int      `json:"frame,omitempty"`
	Digest    string   `json:"digest,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}

// ArchiveSession copies the session's last snapshot to `sessionDir/final.snap.zst` and
// writes meta.json next to it. It returns the paths it wrote.
func ArchiveSession(sessionDir, snapshotPath string, snap *snapshot.SnapshotV1, meta SessionMeta) ([]string, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	if snapshotPath != "" && snap != nil {
		dst := filepath.Join(sessionDir, "final.snap.zst")
		if err := copyFile(snapshotPath, dst); err != nil {
			return nil, err
		}
		meta.Snapshot = filepath.Base(dst)
		meta.Frame = snap.Header.Frame
		meta.Digest = snap.Digest
		written = append(written, dst)
	}
	if meta.EndedAt == "" {
		meta.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	for i, l := range meta.Logs {
		if rel, err := filepath.Rel(sessionDir, l); err == nil {
			meta.Logs[i] = filepath.ToSlash(rel)
		}
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	p := filepath.Join(sessionDir, MetaFile)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return nil, err
	}
	return append(written, p), nil
}

// ReadMeta loads meta.json and resolves the snapshot path against sessionDir.
func ReadMeta(sessionDir string) (SessionMeta, string, error) {
	var meta SessionMeta
	b, err := os.ReadFile(filepath.Join(sessionDir, MetaFile))
	if err != nil {
		return meta, "", err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, "", fmt.Errorf("%s: %w", MetaFile, err)
	}
	if meta.Snapshot == "" {
		return meta, "", nil
	}
	return meta, filepath.Join(sessionDir, meta.Snapshot), nil
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
