package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kilnproc/kiln/internal/model"
)

// autoRouting maps process roles to their default isolation mode when the
// caller asks for auto-resolution.
var autoRouting = map[string]string{
	model.RoleMain:       model.IsolationMicroVM,
	model.RoleTranslator: model.IsolationMicroVM,
}

// RuntimeInfo pairs a runtime name with its capabilities.
type RuntimeInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered runtimes and resolves which one to use for a
// given launch based on isolation mode and process role.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds a runtime to the registry under the given isolation name.
func (r *Registry) Register(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = rt
}

// Resolve returns the runtime to use for the given isolation mode and role.
// If isolation is "auto", the autoRouting table picks the default for the
// role. Returns an error if the resolved runtime is not registered.
func (r *Registry) Resolve(isolation, role string) (Runtime, error) {
	target := isolation
	if target == model.IsolationAuto {
		resolved, ok := autoRouting[role]
		if !ok {
			return nil, fmt.Errorf("no auto-routing rule for role %q", role)
		}
		target = resolved
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[target]
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", target)
	}
	return rt, nil
}

// List returns information about all registered runtimes, sorted by name
// for a stable API response.
func (r *Registry) List() []RuntimeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuntimeInfo, 0, len(r.runtimes))
	for name, rt := range r.runtimes {
		infos = append(infos, RuntimeInfo{
			Name:         name,
			Capabilities: rt.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
