// Command kilnd is the kiln daemon: it exposes the HTTP control plane and
// loads modules into sandboxed subprocess runtimes.
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnproc/kiln/internal/api"
	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/config"
	"github.com/kilnproc/kiln/internal/loader"
	"github.com/kilnproc/kiln/internal/manifest"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
	"github.com/kilnproc/kiln/internal/sandbox/firecracker"
	"github.com/kilnproc/kiln/internal/sandbox/proc"
	"github.com/kilnproc/kiln/internal/store"
	"github.com/kilnproc/kiln/internal/translate"
)

// runtimeShutdownTimeout bounds cleanup of leftover sandbox resources on exit.
const runtimeShutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kilnd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"artifact_cache", cfg.ArtifactCache,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cache, err := artifact.NewCache(cfg.ArtifactCache, cfg.CacheMaxAge, logger)
	if err != nil {
		log.Fatalf("failed to open artifact cache: %v", err)
	}
	if err := cache.StartJanitor(cfg.JanitorSchedule); err != nil {
		log.Fatalf("failed to start cache janitor: %v", err)
	}
	defer cache.StopJanitor()

	reg := sandbox.NewRegistry()

	procRT := proc.NewRuntime(proc.LoadConfig(), logger)
	reg.Register(model.IsolationNone, procRT)

	var fcRT *firecracker.Runtime
	if fcCfg := firecracker.LoadConfig(); fcCfg.KernelPath != "" {
		fcRT, err = firecracker.NewRuntime(fcCfg, logger)
		if err != nil {
			log.Fatalf("failed to initialize firecracker runtime: %v", err)
		}
		reg.Register(model.IsolationMicroVM, fcRT)
	} else {
		logger.Warn("KILN_FC_KERNEL_PATH not set, microvm isolation unavailable")
	}

	engine, err := translate.NewGuestEngine(filepath.Join(cfg.ArtifactCache, "translated"), logger)
	if err != nil {
		log.Fatalf("failed to set up translation engine: %v", err)
	}

	mgr := loader.NewManager(loader.Deps{
		Registry: reg,
		Resolver: manifest.NewResolver(cache, logger),
		Fetcher:  cache,
		Engine:   engine,
		Reporter: loader.NewSlogReporter(logger),
		Store:    db,
		Logger:   logger,
	})

	srv := api.NewServer(cfg.ListenAddr, db, reg, mgr, logger)

	err = srv.Run()

	// Destroy every live instance before the runtimes clean up what is left.
	mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), runtimeShutdownTimeout)
	defer cancel()
	procRT.Shutdown(ctx)
	if fcRT != nil {
		fcRT.Shutdown(ctx)
	}

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
