package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"buildplan.ai/internal/persistence/archive"
	"buildplan.ai/internal/persistence/mirror"
	"buildplan.ai/internal/persistence/snapshot"
	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/simtest"
	"buildplan.ai/internal/sim/supervisor"
)

func protossObs(frame int) projector.Observation {
	units := []projector.LiveUnit{{Tag: 1, Type: "Nexus", Completed: true, Energy: 50}}
	for i := 0; i < 12; i++ {
		units = append(units, projector.LiveUnit{Tag: uint64(100 + i), Type: "Probe", Completed: true})
	}
	return projector.Observation{
		Race:        catalogs.Protoss,
		Frame:       frame,
		Minerals:    50,
		Supply:      12,
		MaxSupply:   15,
		WorkerCount: 12,
		Units:       units,
	}
}

// runSession drives two frames through a manager recorded by store and closes it.
func runSession(t *testing.T, store *sessionStore, cat *catalogs.Catalog) *supervisor.Manager {
	t.Helper()
	tun := simtest.Tuning(t)
	tun.PlanningHorizonFrames = 1344
	tun.Search.TimeLimitMs = 20
	tun.Search.NodeLimit = 0

	hello := protocol.HelloMsg{BotName: "tester", Race: "Protoss", EnemyRace: "Terran"}
	rec := store.recorder("s1", hello)

	m, err := supervisor.New(supervisor.Config{
		Catalog:   cat,
		Tuning:    tun,
		Race:      catalogs.Protoss,
		EnemyRace: catalogs.Terran,
		Session:   "s1",
		Recorder:  rec,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for frame := 0; frame < 2; frame++ {
		if _, err := m.OnFrame(supervisor.Tick{Obs: protossObs(frame)}); err != nil {
			t.Fatalf("frame %d: %v", frame, err)
		}
	}
	m.Close()
	store.closed("s1", m, nil)
	return m
}

func TestSessionStore_ClosedArchivesSession(t *testing.T) {
	dataDir := t.TempDir()
	cat := simtest.Catalog(t)
	store := newSessionStore(dataDir, cat, "medium", nil, nil, nil)
	m := runSession(t, store, cat)

	sessionDir := filepath.Join(dataDir, "sessions", "s1")
	meta, snapPath, err := archive.ReadMeta(sessionDir)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.Bot != "tester" || meta.Reaction != "medium" || meta.Error != "" || len(meta.Logs) == 0 {
		t.Fatalf("meta: %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(sessionDir, meta.Logs[0])); err != nil {
		t.Fatalf("session log missing: %v", err)
	}

	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Digest != meta.Digest {
		t.Fatalf("digest: snapshot %s meta %s", snap.Digest, meta.Digest)
	}
	if _, err := snapshot.Verify(cat, snap); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// A second close for the same session is a no-op.
	store.closed("s1", m, nil)
}

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) PutFile(ctx context.Context, key, localPath string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
	return nil
}

func TestSessionStore_ClosedPublishesSessionToMirror(t *testing.T) {
	cat := simtest.Catalog(t)
	up := &keyRecorder{}
	mir := mirror.New(up, "bp", 1, 4, nil)
	store := newSessionStore(t.TempDir(), cat, "fast", nil, mir, nil)
	runSession(t, store, cat)
	mir.Close()

	if st := mir.Stats(); st.SessionsComplete != 1 || st.SkippedTotal != 0 {
		t.Fatalf("mirror stats: %+v", st)
	}
	kinds := map[string]int{}
	for _, k := range up.keys {
		parts := strings.Split(k, "/")
		if len(parts) != 5 || parts[0] != "bp" || parts[1] != "sessions" || parts[2] != "s1" {
			t.Fatalf("key layout: %s", k)
		}
		kinds[parts[3]]++
	}
	if kinds["log"] == 0 || kinds["snapshot"] != 2 || kinds["meta"] != 1 {
		t.Fatalf("artifact kinds: %v (keys %v)", kinds, up.keys)
	}
	if last := up.keys[len(up.keys)-1]; last != "bp/sessions/s1/meta/meta.json" {
		t.Fatalf("meta not last: %v", up.keys)
	}
}
