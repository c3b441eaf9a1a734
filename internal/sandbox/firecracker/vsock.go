package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kilnproc/kiln/internal/guestproto"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge.
// The udsPath is the Unix socket created by Firecracker for vsock communication.
// The port is the vsock port the guest agent listens on.
// Retries with exponential backoff on connection failure.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*guestproto.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		return gc, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Firecracker bridges the UDS connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
// The returned session keeps the handshake's buffered reader to prevent
// protocol desynchronization.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*guestproto.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	// Send CONNECT handshake.
	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Read response (expect "OK <port>\n").
	// Use a buffered reader and keep it for all subsequent reads to avoid
	// losing bytes that the buffer may have read ahead.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return guestproto.NewConn(conn, reader), nil
}
