package guestproto

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is a host-side framed session with a guest agent, independent of the
// transport that carried the connection. Reads are confined to one goroutine
// (the event listener); writes are serialized by a mutex so auxiliary
// commands may be sent while the listener is draining events.
type Conn struct {
	conn    net.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

// NewConn wraps an established transport connection. reader lets transports
// whose handshake may read ahead (Firecracker's vsock bridge) keep those
// buffered bytes; pass nil to read from conn directly.
func NewConn(conn net.Conn, reader io.Reader) *Conn {
	if reader == nil {
		reader = conn
	}
	return &Conn{conn: conn, reader: reader}
}

// Send writes one command to the guest using length-prefixed JSON framing.
// Safe for concurrent use.
func (c *Conn) Send(cmd Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteMessage(c.conn, &cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Op, err)
	}
	return nil
}

// ReadEvent reads the next guest event frame. Only the listener goroutine
// may call this.
func (c *Conn) ReadEvent() (Event, error) {
	var evt Event
	if err := ReadMessage(c.reader, &evt); err != nil {
		return Event{}, fmt.Errorf("read guest event: %w", err)
	}
	return evt, nil
}

// LoadModule delivers the module artifact to the guest and waits for it to be
// accepted. Log events emitted while the guest prepares the module are passed
// to logFn. Returns the failure reason if the guest rejects the module.
func (c *Conn) LoadModule(ctx context.Context, cmd Command, logFn func(string)) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.Send(cmd); err != nil {
		return err
	}

	for {
		evt, err := c.ReadEvent()
		if err != nil {
			return err
		}

		switch evt.Type {
		case EventLog:
			if logFn != nil {
				logFn(evt.Line)
			}
		case EventStatus:
			if evt.Status == StatusReady {
				return nil
			}
			return fmt.Errorf("guest signaled %q before module was ready", evt.Status)
		case EventResult:
			if evt.Result == nil {
				return fmt.Errorf("received result event with nil result")
			}
			if evt.Result.OK {
				return nil
			}
			return fmt.Errorf("guest rejected module: %s", evt.Result.Error)
		default:
			return fmt.Errorf("unknown event type: %q", evt.Type)
		}
	}
}

// Close closes the underlying connection, unblocking any pending read.
func (c *Conn) Close() error {
	return c.conn.Close()
}
