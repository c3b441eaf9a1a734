// Package proc implements the non-isolated sandbox runtime: the module runs
// under the guest agent as a plain host subprocess, with the control channel
// on a unix socket instead of vsock. It exists for diagnostics and
// bootstrapping, not for production isolation.
package proc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
)

// RuntimeName is the name used when registering with the runtime registry.
const RuntimeName = "proc"

// EnvGuestSocket tells a spawned guest agent where to listen.
const EnvGuestSocket = "KILN_GUEST_SOCKET"

// guestSocketName is the control socket filename inside a process work dir.
const guestSocketName = "guest.sock"

// Dial and stop tuning.
const (
	dialMaxRetries      = 10
	dialBaseBackoff     = 50 * time.Millisecond
	gracefulStopTimeout = 3 * time.Second
)

// SupportedRoles lists the process roles this runtime can host.
var SupportedRoles = []string{model.RoleMain, model.RoleTranslator}

// Runtime implements sandbox.Runtime with plain host subprocesses.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*process
}

// NewRuntime creates a non-isolated runtime.
func NewRuntime(cfg Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*process),
	}
}

// Launch spawns the guest agent as a child process, hands it the module
// artifact over the control socket, and returns once the guest has accepted
// it. The returned process stays live until Terminate.
func (r *Runtime) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.Process, error) {
	artifact, err := sandbox.ReadArtifact(spec.Artifact)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.active) >= r.cfg.MaxConcurrent {
		n := len(r.active)
		r.mu.Unlock()
		procLaunchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("concurrency limit reached (%d active subprocesses)", n)
	}
	r.mu.Unlock()

	procID := model.NewID()
	workDir, err := os.MkdirTemp(r.cfg.WorkDir, "kiln-proc-"+procID+"-")
	if err != nil {
		procLaunchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	socketPath := filepath.Join(workDir, guestSocketName)

	cmd := exec.Command(r.cfg.GuestBin)
	cmd.Env = append(os.Environ(), EnvGuestSocket+"="+socketPath)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		procLaunchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("start guest agent: %w", err)
	}

	p := &process{
		id:           procID,
		instanceID:   spec.InstanceID,
		role:         spec.Role,
		rt:           r,
		cmd:          cmd,
		workDir:      workDir,
		onEvent:      spec.OnEvent,
		stopCh:       make(chan struct{}),
		listenerDone: make(chan struct{}),
	}

	gc, err := dialGuest(ctx, socketPath)
	if err != nil {
		r.reap(p)
		procLaunchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("connect to guest: %w", err)
	}
	p.gc = gc

	loadCmd := guestproto.Command{
		Op:       guestproto.OpLoadModule,
		Role:     spec.Role,
		Artifact: artifact,
		Args:     spec.Args,
		Env:      spec.Env,
	}
	if err := gc.LoadModule(ctx, loadCmd, func(line string) {
		p.emit(guestproto.Event{Type: guestproto.EventLog, Line: line})
	}); err != nil {
		gc.Close()
		r.reap(p)
		procLaunchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("load module: %w", err)
	}

	r.mu.Lock()
	r.active[procID] = p
	r.mu.Unlock()
	activeProcs.Inc()
	p.registered = true

	p.serviceWG.Add(2)
	go p.listen()
	go p.sample(r.cfg.SampleInterval)

	procLaunchesTotal.WithLabelValues(spec.Role, outcomeLaunched).Inc()
	r.logger.Info("subprocess launched",
		"proc_id", procID,
		"instance_id", spec.InstanceID,
		"role", spec.Role,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

// Capabilities reports what this runtime supports.
func (r *Runtime) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           RuntimeName,
		Isolation:      model.IsolationNone,
		SupportedRoles: SupportedRoles,
		MaxConcurrency: r.cfg.MaxConcurrent,
	}
}

// Shutdown terminates all active subprocesses. Used during daemon shutdown,
// after the load pipelines have already been destroyed.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.active))
	for _, p := range r.active {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
		p.JoinServiceThreads()
	}
}

// reap kills and waits out an agent whose launch failed before it became a
// live process, then removes its work dir.
func (r *Runtime) reap(p *process) {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.cmd.Wait()
	os.RemoveAll(p.workDir)
}

// dialGuest connects to the agent's control socket, retrying with backoff
// while the agent starts up and binds it.
func dialGuest(ctx context.Context, socketPath string) (*guestproto.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff
	dialer := net.Dialer{}

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		conn, err := dialer.DialContext(ctx, "unix", socketPath)
		if err == nil {
			return guestproto.NewConn(conn, nil), nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}
