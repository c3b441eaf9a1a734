package subprocess

import "fmt"

// Slot owns zero or one Handle. Installing a replacement always runs the
// previous occupant's Shutdown to completion first, so a slot can never host
// two live subprocesses and reload-in-place cannot leak the old process.
//
// Slots are confined to the driving loop and need no locking of their own.
type Slot struct {
	label  string
	loop   Loop
	handle *Handle
}

// NewSlot creates an empty slot. label identifies it in panics and logs.
func NewSlot(label string, loop Loop) *Slot {
	return &Slot{label: label, loop: loop}
}

// Label returns the slot's identifying label.
func (s *Slot) Label() string { return s.label }

// Assign installs h as the slot's occupant. If the slot already holds a
// handle, its Shutdown runs to completion first and the call blocks for that
// long. h must be unstarted; the caller starts it after Assign returns.
func (s *Slot) Assign(h *Handle) {
	s.mustOnLoop("Assign")
	if h == nil {
		panic(fmt.Sprintf("subprocess: Assign(nil) on slot %q; use ShutdownAndClear to empty a slot", s.label))
	}
	if s.handle != nil {
		s.handle.Shutdown()
	}
	s.handle = h
}

// ShutdownAndClear shuts down the occupant, if any, and leaves the slot
// empty. Blocks until the occupant's shutdown completes. Safe on an empty
// slot.
func (s *Slot) ShutdownAndClear() {
	s.mustOnLoop("ShutdownAndClear")
	if s.handle == nil {
		return
	}
	s.handle.Shutdown()
	s.handle = nil
}

// Current returns the occupant handle, or nil for an empty slot. Callers may
// forward data into the running subprocess through it but must not shut it
// down themselves; the slot owns the occupant's lifecycle.
func (s *Slot) Current() *Handle {
	return s.handle
}

func (s *Slot) mustOnLoop(op string) {
	if !s.loop.OnLoop() {
		panic(fmt.Sprintf("subprocess: %s on slot %q called off the driving loop", op, s.label))
	}
}
