package loader

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
)

// ErrDriverClosed is returned by PostWait once the driving loop has stopped.
var ErrDriverClosed = errors.New("driving loop closed")

// Driver is the driving loop: one goroutine that owns all pipeline state and
// runs every callback. Work is handed to it with Post, which never blocks,
// so the loop itself is free to run blocking shutdowns without deadlocking
// posters.
type Driver struct {
	mu      sync.Mutex
	queue   []func()
	closing bool

	notify  chan struct{}
	done    chan struct{}
	ready   chan struct{}
	loopGID uint64
}

// NewDriver starts the loop goroutine and returns once it is running.
func NewDriver() *Driver {
	d := &Driver{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go d.run()
	<-d.ready
	return d
}

func (d *Driver) run() {
	defer close(d.done)
	d.loopGID = goid()
	close(d.ready)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closing {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.notify
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// Post queues fn to run on the loop. It never blocks. Posts arriving after
// Close are dropped: a completion bound to a torn-down owner has nothing
// left to act on.
func (d *Driver) Post(fn func()) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.wake()
}

// PostWait runs fn on the loop and blocks until it has finished. Calling it
// from the loop itself would deadlock and panics instead.
func (d *Driver) PostWait(fn func()) error {
	if d.OnLoop() {
		panic("loader: PostWait called from the driving loop")
	}
	done := make(chan struct{})
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	d.queue = append(d.queue, func() {
		defer close(done)
		fn()
	})
	d.mu.Unlock()
	d.wake()

	<-done
	return nil
}

// Close stops the loop after draining already-queued work and blocks until
// the loop goroutine has exited. Idempotent.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closing = true
	d.mu.Unlock()
	d.wake()
	<-d.done
}

// OnLoop reports whether the calling goroutine is the driving loop. Loop
// affinity is a hard invariant of the pipeline; lifecycle entry points panic
// when it does not hold rather than limping into a data race.
func (d *Driver) OnLoop() bool {
	return goid() == d.loopGID
}

func (d *Driver) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// goid returns the current goroutine's id, parsed from the runtime stack
// header ("goroutine N [running]:"); the runtime exposes no direct API.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
