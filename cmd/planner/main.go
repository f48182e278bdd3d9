package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"buildplan.ai/internal/persistence/indexdb"
	"buildplan.ai/internal/persistence/mirror"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/tuning"
	"buildplan.ai/internal/transport/ws"
)

func main() {
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		reaction   = flag.String("reaction", "", "default reaction policy: fast, medium or slow (overrides tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[planner] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if r := strings.TrimSpace(*reaction); r != "" {
		tune.Reaction = r
		if err := tune.Validate(); err != nil {
			logger.Fatalf("reaction: %v", err)
		}
	}
	logger.Printf("catalog loaded: actions=%d digest=%s reaction=%s", len(cat.Defs), cat.Digest(), tune.Reaction)

	_ = os.MkdirAll(*dataDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		dbPath := filepath.Join(*dataDir, "index", "planner.sqlite")
		idx, err = indexdb.OpenSQLite(dbPath)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cat, tune); err != nil {
			logger.Printf("index catalogs: %v", err)
		}
		logger.Printf("index: sqlite path=%s", dbPath)
	}

	mir, err := buildMirror(logger)
	if err != nil {
		logger.Fatalf("mirror: %v", err)
	}
	if mir != nil {
		defer mir.Close()
		logger.Printf("mirror enabled")
	}

	store := newSessionStore(*dataDir, cat, tune.Reaction, idx, mir, logger)
	wsSrv := ws.NewServer(ws.Config{
		Catalog: cat,
		Tuning:  tune,
		Logger:  logger,
		Hooks:   store.hooks(),
	})

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP buildplan_sessions Current number of planner sessions.\n")
		fmt.Fprintf(rw, "# TYPE buildplan_sessions gauge\n")
		fmt.Fprintf(rw, "buildplan_sessions %d\n", len(wsSrv.Sessions()))

		writeIndexMetrics(rw, idx)
		writeMirrorMetrics(rw, mir)
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/v1/debug", wsSrv.DebugHandler())
	if envBool("BP_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeIndexMetrics(rw http.ResponseWriter, idx *indexdb.SQLiteIndex) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP buildplan_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "buildplan_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP buildplan_index_dropped_total Index rows dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_index_dropped_total counter\n")
	fmt.Fprintf(rw, "buildplan_index_dropped_total{table=%q} %d\n", "sessions", s.DropSessionTotal)
	fmt.Fprintf(rw, "buildplan_index_dropped_total{table=%q} %d\n", "searches", s.DropSearchTotal)
	fmt.Fprintf(rw, "buildplan_index_dropped_total{table=%q} %d\n", "triggers", s.DropTriggerTotal)
	fmt.Fprintf(rw, "buildplan_index_dropped_total{table=%q} %d\n", "snapshots", s.DropSnapshotTotal)
}

func writeMirrorMetrics(rw http.ResponseWriter, m *mirror.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(rw, "# HELP buildplan_mirror_queue_depth Current mirror queue depth.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "buildplan_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP buildplan_mirror_sessions_total Sessions handed to the mirror by outcome.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_sessions_total counter\n")
	fmt.Fprintf(rw, "buildplan_mirror_sessions_total{outcome=%q} %d\n", "complete", s.SessionsComplete)
	fmt.Fprintf(rw, "buildplan_mirror_sessions_total{outcome=%q} %d\n", "partial", s.SessionsPartial)
	fmt.Fprintf(rw, "buildplan_mirror_sessions_total{outcome=%q} %d\n", "dropped", s.SessionsDropped)

	fmt.Fprintf(rw, "# HELP buildplan_mirror_skipped_total Artifacts not uploaded (missing file, bad key, or meta withheld).\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_skipped_total counter\n")
	fmt.Fprintf(rw, "buildplan_mirror_skipped_total %d\n", s.SkippedTotal)

	fmt.Fprintf(rw, "# HELP buildplan_mirror_upload_success_total Successful uploads.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_upload_success_total counter\n")
	fmt.Fprintf(rw, "buildplan_mirror_upload_success_total %d\n", s.UploadSuccessTotal)

	fmt.Fprintf(rw, "# HELP buildplan_mirror_upload_fail_total Failed uploads after retry.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_upload_fail_total counter\n")
	fmt.Fprintf(rw, "buildplan_mirror_upload_fail_total %d\n", s.UploadFailTotal)

	fmt.Fprintf(rw, "# HELP buildplan_mirror_last_success_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE buildplan_mirror_last_success_unix gauge\n")
	fmt.Fprintf(rw, "buildplan_mirror_last_success_unix %d\n", s.LastSuccessUnix)
}
