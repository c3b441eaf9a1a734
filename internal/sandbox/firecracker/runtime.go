package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
)

// Runtime constants.
const (
	// RuntimeName is the name used when registering with the runtime registry.
	RuntimeName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the process ID for the VM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)

// Runtime implements sandbox.Runtime using Firecracker microVMs. Each launch
// boots a dedicated VM whose guest agent hosts the module artifact.
type Runtime struct {
	cfg    Config
	netMgr *NetworkManager
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*process // procID → process

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewRuntime creates a new Firecracker runtime.
func NewRuntime(cfg Config, logger *slog.Logger) (*Runtime, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	return &Runtime{
		cfg:      cfg,
		netMgr:   netMgr,
		logger:   logger,
		active:   make(map[string]*process),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Verify checks that CNI plugins are available.
func (r *Runtime) Verify() error {
	return r.netMgr.Verify()
}

// Launch boots a microVM, delivers the module artifact to its guest agent and
// returns once the guest has accepted it. The returned process stays live
// until Terminate; its listener goroutine relays guest events through
// spec.OnEvent.
func (r *Runtime) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.Process, error) {
	artifact, err := sandbox.ReadArtifact(spec.Artifact)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.active) >= r.cfg.MaxConcurrentVMs {
		n := len(r.active)
		r.mu.Unlock()
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("concurrency limit reached (%d active VMs)", n)
	}
	r.mu.Unlock()

	procID := model.NewID()

	// 1. Select rootfs image for the role.
	rootfsPath, err := RootfsPath(r.cfg.RootfsDir, spec.Role)
	if err != nil {
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("select rootfs: %w", err)
	}

	// 2. Allocate CID.
	cid, err := r.allocateCID()
	if err != nil {
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	// 3. Set up CNI networking.
	netCfg, err := r.netMgr.Setup(ctx, procID)
	if err != nil {
		r.releaseCID(cid)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("network setup: %w", err)
	}

	// 4. Create temporary directory for socket and rootfs copy.
	socketDir, err := os.MkdirTemp("", "kiln-vm-"+procID+"-")
	if err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, procID)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	// 5. Copy rootfs for this VM (copy-on-write when possible).
	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, procID)
		os.RemoveAll(socketDir)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	// 6. Configure VM.
	socketPath := filepath.Join(socketDir, procID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, procID+vsockSocketSuffix)

	vcpus := int64(r.cfg.DefaultVCPUs)
	if spec.CPUCount > 0 {
		vcpus = int64(spec.CPUCount)
	}
	memMB := int64(r.cfg.DefaultMemMB)
	if spec.MemLimitMB > 0 {
		memMB = int64(spec.MemLimitMB)
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: r.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  procID,
	}

	// Create a logrus logger that discards output (we use slog).
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM process must outlive the launch context: the process is owned
	// by the returned handle, not by this call.
	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(r.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(context.Background())

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, procID)
		os.RemoveAll(socketDir)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("create machine: %w", err)
	}

	p := &process{
		id:           procID,
		instanceID:   spec.InstanceID,
		role:         spec.Role,
		rt:           r,
		machine:      machine,
		cid:          cid,
		socketDir:    socketDir,
		onEvent:      spec.OnEvent,
		stopCh:       make(chan struct{}),
		listenerDone: make(chan struct{}),
	}

	// 7. Start VM.
	bootStart := time.Now()
	if err := machine.Start(ctx); err != nil {
		r.stopAndCleanup(p)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("start VM: %w", err)
	}
	p.started = true
	activeVMs.Inc()

	// 8. Connect to guest agent via vsock.
	gc, err := DialGuest(ctx, vsockPath, r.cfg.VsockPort)
	if err != nil {
		r.stopAndCleanup(p)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("connect to guest: %w", err)
	}
	p.gc = gc

	// 9. Deliver the module and wait for the guest to accept it.
	cmd := guestproto.Command{
		Op:       guestproto.OpLoadModule,
		Role:     spec.Role,
		Artifact: artifact,
		Args:     spec.Args,
		Env:      spec.Env,
	}
	if err := gc.LoadModule(ctx, cmd, func(line string) {
		p.emit(guestproto.Event{Type: guestproto.EventLog, Line: line})
	}); err != nil {
		gc.Close()
		r.stopAndCleanup(p)
		launchesTotal.WithLabelValues(spec.Role, outcomeFailed).Inc()
		return nil, fmt.Errorf("load module: %w", err)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	r.mu.Lock()
	r.active[procID] = p
	r.mu.Unlock()

	p.listenerWG.Add(1)
	go p.listen()

	launchesTotal.WithLabelValues(spec.Role, outcomeLaunched).Inc()

	r.logger.Info("VM launched",
		"proc_id", procID,
		"instance_id", spec.InstanceID,
		"role", spec.Role,
		"cid", cid,
		"vcpus", vcpus,
		"mem_mb", memMB,
	)

	return p, nil
}

// Capabilities reports what this runtime supports.
func (r *Runtime) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           RuntimeName,
		Isolation:      model.IsolationMicroVM,
		SupportedRoles: SupportedRoles,
		MaxConcurrency: r.cfg.MaxConcurrentVMs,
	}
}

// Shutdown terminates all active VMs and tears down networking. Used during
// daemon shutdown, after the load pipelines have already been destroyed.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.active))
	for _, p := range r.active {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
		p.JoinServiceThreads()
	}

	r.netMgr.TeardownAll(ctx)
}

// stopAndCleanup stops a VM and releases all associated resources. It uses
// background contexts so cleanup completes even if the caller's context has
// been cancelled.
func (r *Runtime) stopAndCleanup(p *process) {
	stopStart := time.Now()

	r.mu.Lock()
	delete(r.active, p.id)
	r.mu.Unlock()

	// Stop the VM.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := p.machine.Shutdown(shutdownCtx); err != nil {
		r.logger.Debug("graceful shutdown failed, forcing stop", "proc_id", p.id, "error", err)
		if stopErr := p.machine.StopVMM(); stopErr != nil {
			r.logger.Debug("StopVMM failed", "proc_id", p.id, "error", stopErr)
		}
	}

	// Wait for the VMM process to exit.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := p.machine.Wait(waitCtx); err != nil {
		r.logger.Debug("failed to wait for VM exit", "proc_id", p.id, "error", err)
	}

	if p.started {
		activeVMs.Dec()
	}

	// Release CID.
	r.releaseCID(p.cid)

	// Teardown networking with a fresh context (caller's may be cancelled).
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cleanupCancel()
	r.teardownNetwork(cleanupCtx, p.id)

	// Clean up temp files.
	if p.socketDir != "" {
		os.RemoveAll(p.socketDir)
	}

	vmStopDuration.Observe(time.Since(stopStart).Seconds())
	r.logger.Debug("VM cleanup complete", "proc_id", p.id)
}

// teardownNetwork tears down networking for a VM, logging errors but not propagating them.
func (r *Runtime) teardownNetwork(ctx context.Context, procID string) {
	if err := r.netMgr.Teardown(ctx, procID); err != nil {
		r.logger.Warn("network teardown failed", "proc_id", procID, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (r *Runtime) allocateCID() (uint32, error) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()

	// Try the next CID and scan forward if in use.
	scanRange := uint32(r.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(r.cidNext+i, MinCID)
		if !r.cidInUse[candidate] {
			r.cidInUse[candidate] = true
			r.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(r.cidInUse))
}

// releaseCID returns a CID to the pool.
func (r *Runtime) releaseCID(cid uint32) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()
	delete(r.cidInUse, cid)
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
