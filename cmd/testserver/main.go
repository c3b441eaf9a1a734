// testserver starts a kiln API server with stub sandbox runtimes for E2E
// testing of the control plane surface. Manifests and artifacts resolve
// through the real resolver and cache; only the sandboxes are stubbed.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnproc/kiln/internal/api"
	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/loader"
	"github.com/kilnproc/kiln/internal/manifest"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
	"github.com/kilnproc/kiln/internal/store"
	"github.com/kilnproc/kiln/internal/translate"
)

// stubRuntime pretends to sandbox modules: it consumes the artifact, waits a
// beat, then reports a ready guest that echoes canned log lines.
type stubRuntime struct {
	name      string
	isolation string
	delay     time.Duration
	logLines  []string
}

func (s *stubRuntime) Launch(_ context.Context, spec sandbox.LaunchSpec) (sandbox.Process, error) {
	data, err := sandbox.ReadArtifact(spec.Artifact)
	if err != nil {
		return nil, err
	}
	time.Sleep(s.delay)

	if spec.OnEvent != nil {
		for _, line := range s.logLines {
			spec.OnEvent(guestproto.Event{Type: guestproto.EventLog, Line: line})
		}
		spec.OnEvent(guestproto.Event{Type: guestproto.EventStatus, Status: guestproto.StatusReady})
	}

	return &stubProcess{artifact: data}, nil
}

func (s *stubRuntime) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           s.name,
		Isolation:      s.isolation,
		SupportedRoles: []string{model.RoleMain, model.RoleTranslator},
		MaxConcurrency: 10,
	}
}

// stubProcess answers guest commands without a real guest. Translate echoes
// the artifact back, so portable manifests load end to end.
type stubProcess struct {
	artifact []byte
}

func (*stubProcess) Terminate()          {}
func (*stubProcess) JoinServiceThreads() {}

func (p *stubProcess) Call(_ context.Context, cmd guestproto.Command) (*guestproto.Result, error) {
	switch cmd.Op {
	case guestproto.OpPing:
		return &guestproto.Result{OK: true}, nil
	case guestproto.OpTranslate:
		return &guestproto.Result{OK: true, Artifact: p.artifact}, nil
	}
	return &guestproto.Result{OK: false, Error: "unsupported op: " + cmd.Op}, nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	// File-backed scratch store: handlers read it concurrently with the
	// loader loop, which a :memory: database does not support across pool
	// connections.
	dbDir, err := os.MkdirTemp("", "kiln-testserver-*")
	if err != nil {
		log.Fatalf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(dbDir)

	db, err := store.NewSQLiteStore(filepath.Join(dbDir, "kiln.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cacheDir := filepath.Join(os.TempDir(), "kiln-testserver-cache")
	cache, err := artifact.NewCache(cacheDir, time.Hour, logger)
	if err != nil {
		log.Fatalf("failed to open artifact cache: %v", err)
	}

	engine, err := translate.NewGuestEngine(filepath.Join(cacheDir, "translated"), logger)
	if err != nil {
		log.Fatalf("failed to set up translation engine: %v", err)
	}

	reg := sandbox.NewRegistry()
	reg.Register(model.IsolationMicroVM, &stubRuntime{
		name:      "stub-microvm",
		isolation: model.IsolationMicroVM,
		delay:     200 * time.Millisecond,
		logLines:  []string{"[microvm] booting vm", "[microvm] module accepted"},
	})
	reg.Register(model.IsolationNone, &stubRuntime{
		name:      "stub-proc",
		isolation: model.IsolationNone,
		delay:     50 * time.Millisecond,
		logLines:  []string{"[proc] module accepted"},
	})

	mgr := loader.NewManager(loader.Deps{
		Registry: reg,
		Resolver: manifest.NewResolver(cache, logger),
		Fetcher:  cache,
		Engine:   engine,
		Reporter: loader.NewSlogReporter(logger),
		Store:    db,
		Logger:   logger,
	})

	srv := api.NewServer(addr, db, reg, mgr, logger)

	logger.Info("testserver: starting", "addr", addr)
	err = srv.Run()
	mgr.Close()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
