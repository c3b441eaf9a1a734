package model

import "time"

// StateDestroyed is the terminal state of an instance record. It applies to
// instances, not attempts: an attempt ends loaded, failed or canceled, while
// the instance that owned it ends destroyed.
const StateDestroyed = "destroyed"

// Pipeline event kinds.
const (
	EventKindState       = "state"
	EventKindGuestLog    = "guest_log"
	EventKindGuestStatus = "guest_status"

	// EventKindGuestStats marks resource samples from non-isolated
	// subprocesses. Stats are fanned out live and never persisted.
	EventKindGuestStats = "guest_stats"
)

// Instance is one embedding-host context that modules are loaded into. Its
// state mirrors the current attempt's pipeline state until the instance is
// destroyed.
type Instance struct {
	ID              string     `json:"id"`
	ManifestLocator string     `json:"manifest_locator"`
	Isolation       string     `json:"isolation"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	DestroyedAt     *time.Time `json:"destroyed_at,omitempty"`
}
