package proc

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for the non-isolated runtime.
const (
	envGuestBin       = "KILN_PROC_GUEST_BIN"
	envWorkDir        = "KILN_PROC_WORK_DIR"
	envSampleInterval = "KILN_PROC_SAMPLE_INTERVAL"
	envMaxConcurrent  = "KILN_PROC_MAX_CONCURRENT"
)

// Defaults for the non-isolated runtime.
const (
	DefaultGuestBin       = "kiln-guest"
	DefaultSampleInterval = 5 * time.Second
	DefaultMaxConcurrent  = 16
)

// Config holds configuration for the non-isolated subprocess runtime.
type Config struct {
	// GuestBin is the guest agent binary launched as a plain child process.
	GuestBin string
	// WorkDir hosts per-process control sockets and module scratch dirs.
	WorkDir string
	// SampleInterval is how often the child's resource usage is sampled.
	SampleInterval time.Duration
	// MaxConcurrent caps simultaneously live subprocesses.
	MaxConcurrent int
}

// LoadConfig reads runtime configuration from the environment, applying
// defaults for anything unset.
func LoadConfig() Config {
	cfg := Config{
		GuestBin:       DefaultGuestBin,
		WorkDir:        os.TempDir(),
		SampleInterval: DefaultSampleInterval,
		MaxConcurrent:  DefaultMaxConcurrent,
	}
	if v := os.Getenv(envGuestBin); v != "" {
		cfg.GuestBin = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envSampleInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SampleInterval = d
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	return cfg
}
