package firecracker

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/kilnproc/kiln/internal/model"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// SupportedRoles lists the process roles with pre-built rootfs images. The
// main image hosts loaded modules; the translator image additionally carries
// the bitcode translation toolchain.
var SupportedRoles = []string{model.RoleMain, model.RoleTranslator}

// RootfsFilename is the format string for rootfs image filenames (e.g. "main.ext4").
const RootfsFilename = "%s.ext4"

// Guest paths.
const (
	// GuestModuleDir is the directory inside the microVM where module
	// artifacts are written before execution.
	GuestModuleDir = "/srv/module"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/kiln-guest"
)

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

// RootfsPath returns the full path to the rootfs image for a given process role.
func RootfsPath(rootfsDir, role string) (string, error) {
	if !isSupportedRole(role) {
		return "", fmt.Errorf("unsupported role %q: must be one of %v", role, SupportedRoles)
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, role)), nil
}

func isSupportedRole(role string) bool {
	return slices.Contains(SupportedRoles, role)
}
