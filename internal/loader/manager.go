package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilnproc/kiln/internal/model"
)

// ErrInstanceNotFound is returned for operations on instances that are not
// live (never created, or already destroyed).
var ErrInstanceNotFound = errors.New("instance not found")

// Manager owns the driving loop and the live loader instances. Its methods
// are safe to call from any goroutine: each runs on the loop and blocks
// until the work completes, so callers observe finished transitions. A
// Destroy returns only after the instance's subprocesses are fully joined.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	// loaders is owned by the driving loop.
	loaders map[string]*Loader
}

// NewManager wires a manager around deps, creating the Driver and Broker if
// the caller did not supply them.
func NewManager(deps Deps) *Manager {
	if deps.Driver == nil {
		deps.Driver = NewDriver()
	}
	if deps.Broker == nil {
		deps.Broker = NewBroker()
	}
	return &Manager{
		deps:    deps,
		logger:  deps.Logger,
		loaders: make(map[string]*Loader),
	}
}

// Driver exposes the driving loop, for callers that need to schedule work on
// it (tests, mostly).
func (m *Manager) Driver() *Driver { return m.deps.Driver }

// Broker exposes the event broker for subscription.
func (m *Manager) Broker() *Broker { return m.deps.Broker }

// Create registers a new instance and starts its first load attempt.
// Returns a snapshot taken just after the attempt began.
func (m *Manager) Create(manifestLocator, isolation string) (Snapshot, error) {
	if manifestLocator == "" {
		return Snapshot{}, fmt.Errorf("manifest locator is required")
	}
	switch isolation {
	case "":
		isolation = model.IsolationAuto
	case model.IsolationAuto, model.IsolationMicroVM, model.IsolationNone:
	default:
		return Snapshot{}, fmt.Errorf("unknown isolation mode %q", isolation)
	}

	var (
		snap      Snapshot
		createErr error
	)
	err := m.deps.Driver.PostWait(func() {
		id := model.NewID()
		l := newLoader(id, manifestLocator, isolation, m.deps)
		inst := &model.Instance{
			ID:              id,
			ManifestLocator: manifestLocator,
			Isolation:       isolation,
			State:           model.StateIdle,
			CreatedAt:       l.createdAt,
		}
		if err := m.deps.Store.CreateInstance(context.Background(), inst); err != nil {
			createErr = fmt.Errorf("create instance record: %w", err)
			return
		}
		m.loaders[id] = l
		activeInstances.Inc()
		l.init()
		snap = l.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, createErr
}

// Get returns a snapshot of a live instance.
func (m *Manager) Get(id string) (Snapshot, error) {
	var (
		snap  Snapshot
		opErr error
	)
	err := m.deps.Driver.PostWait(func() {
		l, ok := m.loaders[id]
		if !ok {
			opErr = ErrInstanceNotFound
			return
		}
		snap = l.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Snapshots returns snapshots of every live instance, keyed by instance ID.
func (m *Manager) Snapshots() (map[string]Snapshot, error) {
	snaps := make(map[string]Snapshot)
	err := m.deps.Driver.PostWait(func() {
		for id, l := range m.loaders {
			snaps[id] = l.snapshot()
		}
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Reload cancels any in-flight attempt on the instance and starts a fresh
// one. The running module, if any, keeps serving until the new attempt's
// subprocess replaces it.
func (m *Manager) Reload(id string) (Snapshot, error) {
	var (
		snap  Snapshot
		opErr error
	)
	err := m.deps.Driver.PostWait(func() {
		l, ok := m.loaders[id]
		if !ok {
			opErr = ErrInstanceNotFound
			return
		}
		l.reload()
		snap = l.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Destroy tears an instance down and blocks until all of its subprocesses
// have shut down to completion.
func (m *Manager) Destroy(id string) error {
	var opErr error
	err := m.deps.Driver.PostWait(func() {
		l, ok := m.loaders[id]
		if !ok {
			opErr = ErrInstanceNotFound
			return
		}
		delete(m.loaders, id)
		l.destroy()
		activeInstances.Dec()
	})
	if err != nil {
		return err
	}
	return opErr
}

// Close destroys every live instance and stops the driving loop. Blocks
// until all subprocesses are gone and the loop goroutine has exited.
func (m *Manager) Close() {
	err := m.deps.Driver.PostWait(func() {
		for id, l := range m.loaders {
			l.destroy()
			activeInstances.Dec()
			delete(m.loaders, id)
		}
	})
	if err == nil {
		m.logger.Info("all instances destroyed")
	}
	m.deps.Driver.Close()
}
