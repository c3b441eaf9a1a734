// Package guestproto defines the framed JSON protocol spoken between the host
// and a guest agent over its control channel (vsock for microVMs, a unix
// socket for non-isolated subprocesses).
package guestproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Host→guest command operations.
const (
	OpLoadModule = "load_module"
	OpTranslate  = "translate"
	OpPing       = "ping"
	OpShutdown   = "shutdown"
)

// Command is the JSON payload sent from host to guest.
type Command struct {
	Op       string            `json:"op"`
	Role     string            `json:"role,omitempty"`
	Artifact []byte            `json:"artifact,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	// Translation knobs, only set for OpTranslate.
	ApplyWholeProgramOpt bool `json:"apply_whole_program_opt,omitempty"`
	DebugInfoLevel       int  `json:"debug_info_level,omitempty"`
	IsDynamic            bool `json:"is_dynamic,omitempty"`
}

// Result is the terminal reply to a single command.
type Result struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	// Artifact carries translated module bytes for OpTranslate replies.
	Artifact []byte `json:"artifact,omitempty"`
}

// Guest→host event types.
const (
	EventLog    = "log"
	EventStatus = "status"
	EventResult = "result"

	// EventStats is synthesized on the host by the non-isolated runtime's
	// resource sampler; guests never send it.
	EventStats = "stats"
)

// Status signal names carried by EventStatus events.
const (
	StatusReady  = "ready"
	StatusExited = "exited"
	StatusFault  = "fault"
)

// Event is the envelope for all guest→host messages. While a module runs, the
// guest streams log and status events; a result event terminates the exchange
// for the command that started it.
type Event struct {
	Type   string  `json:"type"`
	Line   string  `json:"line,omitempty"`
	Status string  `json:"status,omitempty"`
	Code   int     `json:"code,omitempty"`
	Result *Result `json:"result,omitempty"`

	// Resource sample fields, set on EventStats events only.
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
