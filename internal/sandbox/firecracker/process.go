package firecracker

import (
	"context"
	"fmt"
	"sync"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"

	"github.com/kilnproc/kiln/internal/guestproto"
)

// process is one live microVM implementing sandbox.Process. Its listener
// goroutine owns all reads from the guest channel: streamed events go to
// onEvent, result frames are routed to the pending Call waiter.
type process struct {
	id         string
	instanceID string
	role       string
	rt         *Runtime
	machine    *fcsdk.Machine
	cid        uint32
	socketDir  string
	gc         *guestproto.Conn
	onEvent    func(guestproto.Event)
	started    bool // true after machine.Start succeeds (guards activeVMs gauge)

	stopCh   chan struct{} // closed by Terminate
	stopOnce sync.Once

	listenerWG   sync.WaitGroup
	listenerDone chan struct{} // closed when the listener exits
	stopWG       sync.WaitGroup

	callMu sync.Mutex // serializes Call exchanges
	waitMu sync.Mutex
	waiter chan *guestproto.Result
}

// listen drains guest events until the connection closes. It never touches
// pipeline state; events are handed off through onEvent.
func (p *process) listen() {
	defer p.listenerWG.Done()
	defer close(p.listenerDone)

	for {
		evt, err := p.gc.ReadEvent()
		if err != nil {
			select {
			case <-p.stopCh:
				// Connection torn down by Terminate.
			default:
				// The guest channel died underneath us: surface it as a fault
				// so the owner can observe subprocess death.
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

// Terminate signals the subprocess to exit: the guest connection is closed,
// unblocking the listener, and the VM stop sequence runs on its own
// goroutine. Idempotent. Pair with JoinServiceThreads to wait.
func (p *process) Terminate() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.gc != nil {
			p.gc.Close()
		}
		p.stopWG.Add(1)
		go func() {
			defer p.stopWG.Done()
			p.rt.stopAndCleanup(p)
		}()
	})
}

// JoinServiceThreads blocks until the event listener and the stop sequence
// have fully exited. Safe to call more than once.
func (p *process) JoinServiceThreads() {
	p.listenerWG.Wait()
	p.stopWG.Wait()
}
