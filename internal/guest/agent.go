// Package guest implements the agent that runs inside a sandbox and hosts a
// module on the host's behalf: it receives the module artifact over the
// control channel (vsock in a microVM, a unix socket for plain subprocesses),
// executes it, and streams log and status events back. For translator
// sessions it invokes the bitcode translator instead of running the artifact.
package guest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
)

// EnvXlateBin overrides the bitcode translator executable the agent invokes.
const EnvXlateBin = "KILN_GUEST_XLATE_BIN"

// DefaultXlateBin is the translator path baked into the rootfs images.
const DefaultXlateBin = "/usr/local/bin/kiln-xlate"

// moduleFileName is where the received artifact lands inside the module dir.
const moduleFileName = "module.bin"

// translatedFileName is the translator's output file inside the module dir.
const translatedFileName = "translated.bin"

// translateTimeout bounds a single translator invocation so a wedged
// translator cannot hold the control channel forever.
const translateTimeout = 5 * time.Minute

// Agent accepts control connections and serves module commands on them.
type Agent struct {
	listener  net.Listener
	moduleDir string
	xlateBin  string

	mu      sync.Mutex
	module  *moduleState
	closing atomic.Bool
}

// moduleState tracks the module loaded into this agent. One agent hosts at
// most one module for its lifetime.
type moduleState struct {
	role string
	path string
	cmd  *exec.Cmd // running module process, main role only
}

// Options configures an Agent.
type Options struct {
	// ModuleDir is where received artifacts are written. It is cleaned and
	// recreated on load.
	ModuleDir string
	// XlateBin is the bitcode translator executable invoked for translate
	// commands.
	XlateBin string
}

// New creates a guest agent serving on listener.
func New(listener net.Listener, opts Options) *Agent {
	return &Agent{
		listener:  listener,
		moduleDir: opts.ModuleDir,
		xlateBin:  opts.XlateBin,
	}
}

// Serve accepts control connections and handles commands. It blocks until
// the listener is closed or an unrecoverable error occurs; a close triggered
// by a shutdown command returns nil.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closing.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

// handleConn serves commands on one control connection until it closes.
// Log streaming goroutines share the connection, so all writes go through
// writeMu.
func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex

	for {
		var cmd guestproto.Command
		if err := guestproto.ReadMessage(conn, &cmd); err != nil {
			if !errors.Is(err, io.EOF) && !a.closing.Load() {
				log.Printf("read command: %v", err)
			}
			return
		}

		switch cmd.Op {
		case guestproto.OpLoadModule:
			a.loadModule(conn, &writeMu, &cmd)
		case guestproto.OpTranslate:
			a.translate(conn, &writeMu, &cmd)
		case guestproto.OpPing:
			sendResult(conn, &writeMu, guestproto.Result{OK: true})
		case guestproto.OpShutdown:
			a.shutdown(conn, &writeMu)
			return
		default:
			sendResult(conn, &writeMu, guestproto.Result{
				Error: fmt.Sprintf("unsupported op: %q", cmd.Op),
			})
		}
	}
}

// loadModule writes the received artifact to disk and, for the main role,
// starts it as a subprocess with its output streamed back as log events. A
// ready status confirms acceptance; translator modules are held on disk for
// a later translate command instead of being executed.
func (a *Agent) loadModule(conn net.Conn, writeMu *sync.Mutex, cmd *guestproto.Command) {
	if cmd.Role != model.RoleMain && cmd.Role != model.RoleTranslator {
		sendResult(conn, writeMu, guestproto.Result{
			Error: fmt.Sprintf("unsupported role: %q", cmd.Role),
		})
		return
	}
	if len(cmd.Artifact) == 0 {
		sendResult(conn, writeMu, guestproto.Result{Error: "load_module carried no artifact"})
		return
	}

	a.mu.Lock()
	if a.module != nil {
		a.mu.Unlock()
		sendResult(conn, writeMu, guestproto.Result{Error: "module already loaded"})
		return
	}
	a.module = &moduleState{role: cmd.Role}
	a.mu.Unlock()

	path, err := a.writeModuleFile(cmd.Artifact)
	if err != nil {
		a.clearModule()
		sendResult(conn, writeMu, guestproto.Result{Error: err.Error()})
		return
	}

	a.mu.Lock()
	a.module.path = path
	a.mu.Unlock()

	if cmd.Role == model.RoleTranslator {
		// The artifact is translator input, not a program. Hold it for the
		// translate command that follows.
		sendStatus(conn, writeMu, guestproto.StatusReady, 0)
		return
	}

	if err := a.runModule(conn, writeMu, path, cmd.Args, cmd.Env); err != nil {
		a.clearModule()
		sendResult(conn, writeMu, guestproto.Result{Error: err.Error()})
	}
}

// runModule starts the module executable, signals ready once it is running,
// and watches it until exit.
func (a *Agent) runModule(conn net.Conn, writeMu *sync.Mutex, path string, args []string, env map[string]string) error {
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start module: %w", err)
	}

	a.mu.Lock()
	a.module.cmd = cmd
	a.mu.Unlock()

	sendStatus(conn, writeMu, guestproto.StatusReady, 0)

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		streamLines(conn, writeMu, stdoutPipe)
	}()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamLines(conn, writeMu, stderrPipe)
	}()

	go func() {
		<-stdoutDone
		<-stderrDone

		waitErr := cmd.Wait()
		exitCode := 0
		if waitErr != nil {
			exitCode = 1
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		sendStatus(conn, writeMu, guestproto.StatusExited, exitCode)
	}()

	return nil
}

// translate invokes the bitcode translator on the previously loaded module
// and replies with the produced artifact. Translator diagnostics stream back
// as log events while it runs.
func (a *Agent) translate(conn net.Conn, writeMu *sync.Mutex, cmd *guestproto.Command) {
	a.mu.Lock()
	mod := a.module
	a.mu.Unlock()
	if mod == nil || mod.role != model.RoleTranslator {
		sendResult(conn, writeMu, guestproto.Result{Error: "no translator input loaded"})
		return
	}

	outPath := filepath.Join(filepath.Dir(mod.path), translatedFileName)

	ctx, cancel := context.WithTimeout(context.Background(), translateTimeout)
	defer cancel()
	xlate := exec.CommandContext(ctx, a.xlateBin, xlateArgs(mod.path, outPath, cmd)...)

	stderrPipe, err := xlate.StderrPipe()
	if err != nil {
		sendResult(conn, writeMu, guestproto.Result{Error: fmt.Sprintf("stderr pipe: %v", err)})
		return
	}
	if err := xlate.Start(); err != nil {
		sendResult(conn, writeMu, guestproto.Result{Error: fmt.Sprintf("start translator: %v", err)})
		return
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamLines(conn, writeMu, stderrPipe)
	}()
	<-stderrDone

	if err := xlate.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %s", translateTimeout)
		}
		sendResult(conn, writeMu, guestproto.Result{Error: fmt.Sprintf("translator: %v", err)})
		return
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		sendResult(conn, writeMu, guestproto.Result{Error: fmt.Sprintf("read translator output: %v", err)})
		return
	}
	if len(data) > guestproto.MaxMessageSize {
		sendResult(conn, writeMu, guestproto.Result{
			Error: fmt.Sprintf("translated artifact size %d exceeds maximum %d", len(data), guestproto.MaxMessageSize),
		})
		return
	}

	sendResult(conn, writeMu, guestproto.Result{OK: true, Artifact: data})
}

// xlateArgs builds the translator command line from the translate command's
// option fields.
func xlateArgs(inPath, outPath string, cmd *guestproto.Command) []string {
	args := []string{"-in", inPath, "-out", outPath}
	if cmd.ApplyWholeProgramOpt {
		args = append(args, "-O2")
	}
	if cmd.DebugInfoLevel > 0 {
		args = append(args, "-g", strconv.Itoa(cmd.DebugInfoLevel))
	}
	if cmd.IsDynamic {
		args = append(args, "-dynamic")
	}
	return args
}

// shutdown acknowledges the command, kills any running module, and closes
// the listener so Serve returns.
func (a *Agent) shutdown(conn net.Conn, writeMu *sync.Mutex) {
	sendResult(conn, writeMu, guestproto.Result{OK: true})

	a.mu.Lock()
	if a.module != nil && a.module.cmd != nil && a.module.cmd.Process != nil {
		a.module.cmd.Process.Kill()
	}
	a.mu.Unlock()

	a.closing.Store(true)
	a.listener.Close()
}

func (a *Agent) clearModule() {
	a.mu.Lock()
	a.module = nil
	a.mu.Unlock()
}

// writeModuleFile cleans and recreates the module dir, then writes the
// artifact as an executable file.
func (a *Agent) writeModuleFile(artifact []byte) (string, error) {
	if err := os.RemoveAll(a.moduleDir); err != nil {
		return "", fmt.Errorf("clean module dir: %w", err)
	}
	if err := os.MkdirAll(a.moduleDir, 0o755); err != nil {
		return "", fmt.Errorf("create module dir: %w", err)
	}
	path := filepath.Join(a.moduleDir, moduleFileName)
	if err := os.WriteFile(path, artifact, 0o755); err != nil {
		return "", fmt.Errorf("write module file: %w", err)
	}
	return path, nil
}

// streamLines reads lines from r and sends each as a log event over conn,
// protected by mu.
func streamLines(conn net.Conn, mu *sync.Mutex, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		evt := guestproto.Event{
			Type: guestproto.EventLog,
			Line: scanner.Text(),
		}
		mu.Lock()
		err := guestproto.WriteMessage(conn, &evt)
		mu.Unlock()
		if err != nil {
			log.Printf("write log line: %v", err)
			return
		}
	}
}

// sendStatus sends a status event over conn, protected by mu.
func sendStatus(conn net.Conn, mu *sync.Mutex, status string, code int) {
	evt := guestproto.Event{
		Type:   guestproto.EventStatus,
		Status: status,
		Code:   code,
	}
	mu.Lock()
	defer mu.Unlock()
	if err := guestproto.WriteMessage(conn, &evt); err != nil {
		log.Printf("write status: %v", err)
	}
}

// sendResult sends the terminal result event for a command over conn,
// protected by mu.
func sendResult(conn net.Conn, mu *sync.Mutex, res guestproto.Result) {
	evt := guestproto.Event{
		Type:   guestproto.EventResult,
		Result: &res,
	}
	mu.Lock()
	defer mu.Unlock()
	if err := guestproto.WriteMessage(conn, &evt); err != nil {
		log.Printf("write result: %v", err)
	}
}
