package model

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransitions(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StateIdle, StateResolvingManifest},
		{StateResolvingManifest, StateTranslating},
		{StateResolvingManifest, StateAwaitingFetch},
		{StateResolvingManifest, StateFailed},
		{StateTranslating, StateStarting},
		{StateTranslating, StateFailed},
		{StateTranslating, StateCanceled},
		{StateAwaitingFetch, StateStarting},
		{StateAwaitingFetch, StateFailed},
		{StateStarting, StateLoaded},
		{StateStarting, StateFailed},
		{StateStarting, StateCanceled},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%q, %q) = false, want true", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to string }{
		{StateIdle, StateLoaded},
		{StateIdle, StateStarting},
		{StateResolvingManifest, StateLoaded},
		{StateTranslating, StateAwaitingFetch},
		{StateLoaded, StateFailed},
		{StateFailed, StateLoaded},
		{StateCanceled, StateResolvingManifest},
		{StateLoaded, StateLoaded},
	}
	for _, tr := range denied {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%q, %q) = true, want false", tr.from, tr.to)
		}
	}
}

func TestTerminalState(t *testing.T) {
	for _, s := range []string{StateLoaded, StateFailed, StateCanceled} {
		if !TerminalState(s) {
			t.Errorf("TerminalState(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StateIdle, StateResolvingManifest, StateTranslating, StateAwaitingFetch, StateStarting} {
		if TerminalState(s) {
			t.Errorf("TerminalState(%q) = true, want false", s)
		}
	}
}

func newTestHandle(t *testing.T) *ArtifactHandle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(path, []byte("native code"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	return NewArtifactHandle(f, path)
}

func TestArtifactHandleTakeTransfersOwnership(t *testing.T) {
	h := newTestHandle(t)

	f := h.Take()
	if f == nil {
		t.Fatal("Take() = nil, want file")
	}
	defer f.Close()

	if got := h.Take(); got != nil {
		t.Error("second Take() returned a file, want nil")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close() after Take = %v, want nil", err)
	}

	// The taken file must still be readable: Close must not touch it.
	buf := make([]byte, 6)
	if _, err := f.Read(buf); err != nil {
		t.Errorf("reading taken file: %v", err)
	}
}

func TestArtifactHandleCloseIdempotent(t *testing.T) {
	h := newTestHandle(t)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if got := h.Take(); got != nil {
		t.Error("Take() after Close returned a file, want nil")
	}
}
