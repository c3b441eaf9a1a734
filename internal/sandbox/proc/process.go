package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	psproc "github.com/shirou/gopsutil/v3/process"

	"github.com/kilnproc/kiln/internal/guestproto"
)

// process is one live non-isolated subprocess implementing sandbox.Process.
// Its listener goroutine owns all reads from the guest channel: streamed
// events go to onEvent, result frames are routed to the pending Call waiter.
// A sampler goroutine synthesizes resource stats events alongside.
type process struct {
	id         string
	instanceID string
	role       string
	rt         *Runtime
	cmd        *exec.Cmd
	workDir    string
	gc         *guestproto.Conn
	onEvent    func(guestproto.Event)
	registered bool // true once the process entered the active map

	stopCh   chan struct{} // closed by Terminate
	stopOnce sync.Once

	serviceWG    sync.WaitGroup
	listenerDone chan struct{} // closed when the listener exits
	stopWG       sync.WaitGroup

	callMu sync.Mutex // serializes Call exchanges
	waitMu sync.Mutex
	waiter chan *guestproto.Result
}

// listen drains guest events until the connection closes. It never touches
// pipeline state; events are handed off through onEvent.
func (p *process) listen() {
	defer p.serviceWG.Done()
	defer close(p.listenerDone)

	for {
		evt, err := p.gc.ReadEvent()
		if err != nil {
			select {
			case <-p.stopCh:
				// Connection torn down by Terminate.
			default:
				// The guest channel died underneath us: surface it as a
				// fault so the owner can observe subprocess death.
				p.emit(guestproto.Event{
					Type:   guestproto.EventStatus,
					Status: guestproto.StatusFault,
					Line:   err.Error(),
				})
			}
			return
		}

		if evt.Type == guestproto.EventResult {
			p.deliverResult(evt.Result)
			continue
		}
		p.emit(evt)
	}
}

// sample polls the child's resource usage until the process stops, emitting
// synthetic stats events on the same stream as guest events.
func (p *process) sample(interval time.Duration) {
	defer p.serviceWG.Done()

	ps, err := psproc.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		mem, err := ps.MemoryInfo()
		if err != nil {
			// Child is gone; the listener reports the fault.
			return
		}
		evt := guestproto.Event{
			Type:     guestproto.EventStats,
			RSSBytes: mem.RSS,
		}
		if pct, err := ps.CPUPercent(); err == nil {
			evt.CPUPercent = pct
		}
		p.emit(evt)
	}
}

func (p *process) emit(evt guestproto.Event) {
	if p.onEvent != nil {
		p.onEvent(evt)
	}
}

func (p *process) deliverResult(res *guestproto.Result) {
	p.waitMu.Lock()
	ch := p.waiter
	p.waiter = nil
	p.waitMu.Unlock()
	if ch != nil {
		ch <- res
	}
}

// Call sends one command to the guest and waits for its result frame, which
// the listener routes back. Calls are serialized; events streaming between
// the command and its result are delivered to onEvent as usual.
func (p *process) Call(ctx context.Context, cmd guestproto.Command) (*guestproto.Result, error) {
	p.callMu.Lock()
	defer p.callMu.Unlock()

	select {
	case <-p.stopCh:
		return nil, fmt.Errorf("process %s is terminated", p.id)
	default:
	}

	ch := make(chan *guestproto.Result, 1)
	p.waitMu.Lock()
	p.waiter = ch
	p.waitMu.Unlock()
	defer func() {
		p.waitMu.Lock()
		if p.waiter == ch {
			p.waiter = nil
		}
		p.waitMu.Unlock()
	}()

	if err := p.gc.Send(cmd); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res == nil {
			return nil, fmt.Errorf("guest sent result event with nil result")
		}
		return res, nil
	case <-p.listenerDone:
		return nil, fmt.Errorf("guest channel closed during %s", cmd.Op)
	case <-p.stopCh:
		return nil, fmt.Errorf("process %s terminated during %s", p.id, cmd.Op)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate signals the subprocess to exit: a best-effort shutdown command
// goes out first, the guest connection is closed to unblock the listener,
// and the reaping sequence runs on its own goroutine. Idempotent. Pair with
// JoinServiceThreads to wait.
func (p *process) Terminate() {
	p.stopOnce.Do(func() {
		// Ask the agent to exit cleanly; if it is wedged the kill below
		// still gets it.
		p.gc.Send(guestproto.Command{Op: guestproto.OpShutdown})
		close(p.stopCh)
		p.gc.Close()
		p.stopWG.Add(1)
		go func() {
			defer p.stopWG.Done()
			p.rt.stopAndCleanup(p)
		}()
	})
}

// JoinServiceThreads blocks until the listener, the sampler, and the reaping
// sequence have fully exited. Safe to call more than once.
func (p *process) JoinServiceThreads() {
	p.serviceWG.Wait()
	p.stopWG.Wait()
}

// stopAndCleanup reaps the agent process and releases its resources: wait
// for a clean exit within the grace period, kill if it overstays, then
// remove the work dir.
func (r *Runtime) stopAndCleanup(p *process) {
	stopStart := time.Now()

	r.mu.Lock()
	delete(r.active, p.id)
	r.mu.Unlock()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	select {
	case <-exited:
	case <-time.After(gracefulStopTimeout):
		r.logger.Debug("graceful exit timed out, killing", "proc_id", p.id)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-exited
	}

	if p.registered {
		activeProcs.Dec()
	}
	if p.workDir != "" {
		os.RemoveAll(p.workDir)
	}

	procStopDuration.Observe(time.Since(stopStart).Seconds())
	r.logger.Debug("subprocess cleanup complete", "proc_id", p.id)
}
