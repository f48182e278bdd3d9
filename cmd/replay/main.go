package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"buildplan.ai/internal/persistence/archive"
	persistlog "buildplan.ai/internal/persistence/log"
	"buildplan.ai/internal/persistence/snapshot"
	"buildplan.ai/internal/sim/catalogs"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		sessionDir = flag.String("session", "", "archived session dir containing meta.json (alternative to -snapshot)")
		configDir  = flag.String("configs", "./configs", "config directory")
		showLogs   = flag.Bool("logs", false, "also summarize the session's search and trigger log")
	)
	flag.Parse()

	var meta *archive.SessionMeta
	path := *snapPath
	if path == "" && *sessionDir != "" {
		m, p, err := archive.ReadMeta(*sessionDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read meta:", err)
			os.Exit(1)
		}
		meta, path = &m, p
		fmt.Printf("session %s bot=%s race=%s enemy=%s reaction=%s started=%s ended=%s\n",
			m.Session, m.Bot, m.Race, m.EnemyRace, m.Reaction, m.StartedAt, m.EndedAt)
		if m.Error != "" {
			fmt.Printf("  ended with error: %s\n", m.Error)
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -session")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d session=%s frame=%d race=%s minerals=%d gas=%d supply=%d/%d units=%d entries=%d\n",
		snap.Header.Version, snap.Header.Session, snap.Header.Frame, snap.State.Race,
		snap.State.MineralsMilli/1000, snap.State.GasMilli/1000, snap.State.Supply, snap.State.MaxSupply,
		len(snap.State.Units), len(snap.Order))

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	if snap.CatalogDigest != cat.Digest() {
		fmt.Printf("warning: catalog digest differs (snapshot=%s configs=%s)\n", snap.CatalogDigest, cat.Digest())
	}

	final, err := snapshot.Verify(cat, snap)
	for i, w := range snap.Order {
		start := -1
		if i < len(snap.Starts) {
			start = snap.Starts[i]
		}
		fmt.Printf("  %3d  frame=%-6d %s\n", i, start, describe(w.Action, w.TargetType, w.ProductionType))
	}
	switch {
	case errors.Is(err, snapshot.ErrCatalogMismatch):
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	case err != nil:
		fmt.Printf("MISMATCH %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK digest=%s end_frame=%d\n", final.Digest(), final.Frame)

	if *showLogs && meta != nil {
		if err := summarizeLogs(*sessionDir, meta.Logs); err != nil {
			fmt.Fprintln(os.Stderr, "logs:", err)
			os.Exit(1)
		}
	}
}

func describe(action, targetType, productionType string) string {
	switch {
	case targetType != "":
		return action + " -> " + targetType
	case productionType != "":
		return action + " @ " + productionType
	default:
		return action
	}
}

func summarizeLogs(sessionDir string, logs []string) error {
	var searches, triggers int
	actions := map[string]int{}
	for _, rel := range logs {
		err := persistlog.ReadJSONL(filepath.Join(sessionDir, filepath.FromSlash(rel)), func(line []byte) error {
			var e persistlog.Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			switch e.Kind {
			case persistlog.KindSearch:
				searches++
			case persistlog.KindTrigger:
				triggers++
				if e.Trigger != nil {
					actions[e.Trigger.Action]++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
	}
	fmt.Printf("log searches=%d triggers=%d actions=%v\n", searches, triggers, actions)
	return nil
}
