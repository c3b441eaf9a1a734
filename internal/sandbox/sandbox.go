package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
)

// Runtime is the interface that all sandbox runtimes must implement. Each
// runtime (Firecracker microVM, non-isolated subprocess) provides its own
// implementation of these methods.
type Runtime interface {
	// Launch starts a subprocess hosting the artifact described by spec and
	// blocks until the guest has accepted the module or the launch failed.
	// Ownership of spec.Artifact transfers to Launch regardless of outcome.
	// On success the returned Process is live and its listener goroutine is
	// relaying guest events through spec.OnEvent.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)

	// Capabilities reports what roles and isolation mode this runtime supports.
	Capabilities() Capabilities
}

// Process is one live sandboxed subprocess.
type Process interface {
	// Terminate signals the subprocess to exit. It is idempotent and safe to
	// call from any goroutine. It does not wait; pair with JoinServiceThreads.
	Terminate()

	// JoinServiceThreads blocks until every background goroutine servicing
	// this subprocess, including the event listener, has exited. Idempotent.
	JoinServiceThreads()

	// Call sends one command to the guest and waits for its result. Only
	// auxiliary operations (translate, ping) go through Call; the module
	// artifact itself is delivered during Launch.
	Call(ctx context.Context, cmd guestproto.Command) (*guestproto.Result, error)
}

// LaunchSpec describes one subprocess launch.
type LaunchSpec struct {
	InstanceID string
	Role       string
	Artifact   *model.ArtifactHandle
	Args       []string
	Env        map[string]string

	// Resource overrides; runtimes fall back to their configured defaults
	// when zero.
	CPUCount   int
	MemLimitMB int

	// OnEvent receives guest events (log lines, status signals) from the
	// process's listener goroutine. It must not block for long and must not
	// touch pipeline state directly.
	OnEvent func(guestproto.Event)
}

// Capabilities describes what a runtime supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Isolation      string   `json:"isolation"`
	SupportedRoles []string `json:"supported_roles"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// ReadArtifact takes ownership of the artifact handle and reads its bytes for
// delivery over the guest channel. The handle is consumed regardless of
// outcome.
func ReadArtifact(h *model.ArtifactHandle) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("launch spec carries no artifact")
	}
	f := h.Take()
	if f == nil {
		return nil, fmt.Errorf("artifact %s already consumed", h.Path())
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", h.Path(), err)
	}
	if len(data) > guestproto.MaxMessageSize {
		return nil, fmt.Errorf("artifact %s exceeds max deliverable size (%d bytes)", h.Path(), len(data))
	}
	return data, nil
}
