package subprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
)

// Loop is the driving loop that owns all pipeline state. Post hands a
// callback to the loop from any goroutine without blocking; OnLoop reports
// whether the calling goroutine is the loop itself.
type Loop interface {
	Post(fn func())
	OnLoop() bool
}

// ErrStartAborted is delivered to the start callback when Shutdown preempts
// a start that is still in flight.
var ErrStartAborted = errors.New("subprocess start aborted by shutdown")

// Handle lifecycle states.
const (
	stateNew = iota
	stateStarting
	stateRunning
	stateStopped
)

func stateName(s int) string {
	switch s {
	case stateNew:
		return "new"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", s)
}

// StartParams describes the subprocess a Handle launches.
type StartParams struct {
	InstanceID string
	Role       string
	// Isolation selects the sandbox runtime through the registry.
	Isolation string
	// Artifact is consumed by the launch. Ownership transfers on Start; the
	// originator must not read or close it afterwards.
	Artifact *model.ArtifactHandle
	Args     []string
	Env      map[string]string
	// OnEvent receives guest events from the subprocess's listener goroutine.
	OnEvent func(guestproto.Event)
}

// Handle is one sandboxed subprocess. Start may be called at most once;
// Shutdown blocks until every goroutine servicing the subprocess has exited
// and is idempotent. A handle is dead after Shutdown and cannot be reused.
//
// Start and Shutdown must be called on the driving loop.
type Handle struct {
	id     string
	label  string
	reg    *sandbox.Registry
	loop   Loop
	logger *slog.Logger

	mu          sync.Mutex
	state       int
	proc        sandbox.Process
	cancelStart context.CancelFunc
	starterDone chan struct{}
}

// NewHandle creates an unstarted handle. label names the owning slot in logs
// and diagnostics.
func NewHandle(label string, reg *sandbox.Registry, loop Loop, logger *slog.Logger) *Handle {
	id := model.NewID()
	return &Handle{
		id:     id,
		label:  label,
		reg:    reg,
		loop:   loop,
		logger: logger.With("handle_id", id, "slot", label),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Label returns the slot label the handle was created for.
func (h *Handle) Label() string { return h.label }

// Start launches the subprocess asynchronously. onStarted fires exactly once
// on the driving loop with the launch outcome, unless the handle is shut
// down first, in which case it fires with ErrStartAborted. Starting a handle
// twice is a slot management bug and panics.
func (h *Handle) Start(params StartParams, onStarted func(err error)) {
	h.mustOnLoop("Start")
	h.mu.Lock()
	if h.state != stateNew {
		state := h.state
		h.mu.Unlock()
		panic(fmt.Sprintf("%s: Start on %s handle in state %s", model.ErrCodeSlotConflict, h.label, stateName(state)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.state = stateStarting
	h.cancelStart = cancel
	h.starterDone = make(chan struct{})
	h.mu.Unlock()

	go h.runStart(ctx, params, onStarted)
}

// runStart resolves the runtime and performs the launch off the loop, then
// reports the outcome back onto it. If Shutdown preempted the start, any
// process that still came up is terminated and joined here, before the
// starter signals completion, so Shutdown's wait covers it.
func (h *Handle) runStart(ctx context.Context, params StartParams, onStarted func(error)) {
	defer close(h.starterDone)

	var p sandbox.Process
	rt, err := h.reg.Resolve(params.Isolation, params.Role)
	if err != nil {
		// The launch never ran, so the artifact was not consumed.
		if params.Artifact != nil {
			params.Artifact.Close()
		}
		err = fmt.Errorf("resolve runtime: %w", err)
	} else {
		p, err = rt.Launch(ctx, sandbox.LaunchSpec{
			InstanceID: params.InstanceID,
			Role:       params.Role,
			Artifact:   params.Artifact,
			Args:       params.Args,
			Env:        params.Env,
			OnEvent:    params.OnEvent,
		})
	}

	h.mu.Lock()
	if h.state == stateStopped {
		h.mu.Unlock()
		if p != nil {
			p.Terminate()
			p.JoinServiceThreads()
		}
		h.logger.Debug("start preempted by shutdown")
		h.loop.Post(func() { onStarted(ErrStartAborted) })
		return
	}
	if err != nil {
		h.state = stateStopped
		h.mu.Unlock()
		h.loop.Post(func() { onStarted(err) })
		return
	}
	h.proc = p
	h.state = stateRunning
	h.mu.Unlock()
	h.logger.Debug("subprocess running", "role", params.Role)
	h.loop.Post(func() { onStarted(nil) })
}

// Shutdown terminates the subprocess and blocks until every goroutine
// servicing it has exited: the runtime's listener threads, and the starter
// if a start was still in flight. Idempotent; a never-started handle shuts
// down immediately.
func (h *Handle) Shutdown() {
	h.mustOnLoop("Shutdown")
	h.mu.Lock()
	prev := h.state
	h.state = stateStopped
	p := h.proc
	h.proc = nil
	cancel := h.cancelStart
	done := h.starterDone
	h.mu.Unlock()

	switch prev {
	case stateNew, stateStopped:
		return
	case stateStarting:
		cancel()
		// The starter terminates and joins any process it produced before
		// signaling, so this wait covers the whole launch.
		<-done
	case stateRunning:
		p.Terminate()
		p.JoinServiceThreads()
		<-done
	}
}

// Process returns the live sandbox process, or nil when the handle is not
// running. Owners forward auxiliary guest commands through it; they must not
// terminate it directly.
func (h *Handle) Process() sandbox.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateRunning {
		return nil
	}
	return h.proc
}

func (h *Handle) mustOnLoop(op string) {
	if !h.loop.OnLoop() {
		panic(fmt.Sprintf("subprocess: %s on %q handle called off the driving loop", op, h.label))
	}
}
