package model

import (
	"os"
	"sync"
)

// Artifact kind constants.
const (
	ArtifactNative   = "native"
	ArtifactPortable = "portable"
)

// Process role constants.
const (
	RoleMain       = "main"
	RoleTranslator = "translator"
)

// Isolation mode constants. IsolationNone is the alternate, non-isolated
// execution mode used for diagnostics and bootstrapping.
const (
	IsolationMicroVM = "microvm"
	IsolationNone    = "none"
	IsolationAuto    = "auto"
)

// TranslationOptions carry the manifest-declared knobs for ahead-of-time
// translation of a portable artifact.
type TranslationOptions struct {
	ApplyWholeProgramOpt bool `json:"apply_whole_program_opt"`
	DebugInfoLevel       int  `json:"debug_info_level"`
	IsDynamic            bool `json:"is_dynamic"`
}

// ArtifactDescriptor identifies the artifact a load attempt runs. Immutable
// once resolved from the manifest.
type ArtifactDescriptor struct {
	Locator string `json:"locator"`
	Kind    string `json:"kind"`
	Role    string `json:"role"`
}

// ArtifactHandle is a single-owner reference to fetched or translated artifact
// bytes. Ownership moves with Take: after a successful Take the original
// holder's Close is a no-op, and only the taker may read or close the file.
type ArtifactHandle struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewArtifactHandle wraps an open file. The handle assumes ownership of f.
func NewArtifactHandle(f *os.File, path string) *ArtifactHandle {
	return &ArtifactHandle{file: f, path: path}
}

// Path returns the backing file path, for logging. It stays valid after Take.
func (h *ArtifactHandle) Path() string {
	return h.path
}

// Take transfers ownership of the backing file to the caller. It returns nil
// if ownership was already taken or the handle was closed.
func (h *ArtifactHandle) Take() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.file
	h.file = nil
	return f
}

// Close releases the backing file if ownership has not been taken.
func (h *ArtifactHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
