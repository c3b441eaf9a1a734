package model

import "time"

// Load attempt state constants.
const (
	StateIdle              = "idle"
	StateResolvingManifest = "resolving_manifest"
	StateTranslating       = "translating_bitcode"
	StateAwaitingFetch     = "awaiting_artifact_fetch"
	StateStarting          = "starting_subprocess"
	StateLoaded            = "loaded"
	StateFailed            = "failed"
	StateCanceled          = "canceled"
)

// Error code constants. Every failed attempt reports exactly one of these.
const (
	ErrCodeManifest    = "manifest_error"
	ErrCodeFetch       = "fetch_failure"
	ErrCodeTranslation = "translation_failure"
	ErrCodeLaunch      = "launch_failure"

	// ErrCodeSlotConflict marks a broken ownership invariant. It is never
	// reported through a LoadOutcome; it appears only in panic messages.
	ErrCodeSlotConflict = "slot_conflict"
)

// validTransitions maps each attempt state to the set of states it may enter next.
// Loaded, failed and canceled are terminal; a reload is a fresh attempt.
var validTransitions = map[string]map[string]bool{
	StateIdle: {
		StateResolvingManifest: true,
	},
	StateResolvingManifest: {
		StateTranslating:   true,
		StateAwaitingFetch: true,
		StateFailed:        true,
		StateCanceled:      true,
	},
	StateTranslating: {
		StateStarting: true,
		StateFailed:   true,
		StateCanceled: true,
	},
	StateAwaitingFetch: {
		StateStarting: true,
		StateFailed:   true,
		StateCanceled: true,
	},
	StateStarting: {
		StateLoaded:   true,
		StateFailed:   true,
		StateCanceled: true,
	},
}

// ValidTransition reports whether moving from one attempt state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether a state ends the attempt.
func TerminalState(s string) bool {
	switch s {
	case StateLoaded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// LoadOutcome is the single terminal result of a load attempt.
type LoadOutcome struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LoadAttempt is the persisted record of one main-module load attempt.
// Helper loads (translator runtimes and the like) are not recorded.
type LoadAttempt struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instance_id"`
	State        string     `json:"state"`
	Kind         string     `json:"kind,omitempty"`
	Locator      string     `json:"locator,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TranslateMS  *int       `json:"translate_ms,omitempty"`
	LaunchMS     *int       `json:"launch_ms,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// PipelineEvent is a single persisted event from an instance's load pipeline.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
