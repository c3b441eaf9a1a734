// Package translate turns portable artifacts into native ones. The Engine is
// the external translation machinery; a Task wraps one translation as a
// cancellable asynchronous operation that owns the translator subprocess for
// its duration.
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
)

// Engine drives ahead-of-time translation inside a live translator
// subprocess.
type Engine interface {
	// Translate commands the translator hosted by proc to translate the
	// module it was launched with and returns a single-owner handle to the
	// native output. Failures carry the translator's own diagnostic.
	Translate(ctx context.Context, proc sandbox.Process, opts model.TranslationOptions) (*model.ArtifactHandle, error)
}

// GuestEngine translates over the guest control channel: the translator
// subprocess already holds the portable module from its launch, so a single
// translate command returns the native bytes.
type GuestEngine struct {
	dir    string
	logger *slog.Logger
}

// NewGuestEngine creates an engine that materializes translated artifacts
// under dir, creating it if needed.
func NewGuestEngine(dir string, logger *slog.Logger) (*GuestEngine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create translation dir: %w", err)
	}
	return &GuestEngine{dir: dir, logger: logger}, nil
}

// Translate implements Engine.
func (e *GuestEngine) Translate(ctx context.Context, proc sandbox.Process, opts model.TranslationOptions) (*model.ArtifactHandle, error) {
	res, err := proc.Call(ctx, guestproto.Command{
		Op:                   guestproto.OpTranslate,
		ApplyWholeProgramOpt: opts.ApplyWholeProgramOpt,
		DebugInfoLevel:       opts.DebugInfoLevel,
		IsDynamic:            opts.IsDynamic,
	})
	if err != nil {
		return nil, fmt.Errorf("translate command: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("translator: %s", res.Error)
	}
	if len(res.Artifact) == 0 {
		return nil, fmt.Errorf("translator returned an empty artifact")
	}

	f, err := os.CreateTemp(e.dir, "translated-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create translated artifact: %w", err)
	}
	if _, err := f.Write(res.Artifact); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write translated artifact: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("rewind translated artifact: %w", err)
	}

	e.logger.Debug("translation produced artifact", "path", f.Name(), "bytes", len(res.Artifact))
	return model.NewArtifactHandle(f, f.Name()), nil
}
