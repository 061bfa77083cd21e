package engine

import (
	"fmt"
	"sync"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// registeredFlow is one entry of the Flow Registry: a constructor plus
// the platform version it was compiled against (§9 "Replace reflection
// with a flow registry").
type registeredFlow struct {
	constructor           api.FlowConstructor
	targetPlatformVersion int
}

type flowRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]registeredFlow
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byName: make(map[string]map[string]registeredFlow),
	}
}

func (r *flowRegistry) Register(flowClass, version string, targetPlatformVersion int, ctor api.FlowConstructor) error {
	if version == "" {
		version = "v1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[flowClass]
	if versions == nil {
		versions = make(map[string]registeredFlow)
		r.byName[flowClass] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("flow class %q version %q already registered", flowClass, version)
	}

	versions[version] = registeredFlow{constructor: ctor, targetPlatformVersion: targetPlatformVersion}
	return nil
}

func (r *flowRegistry) Get(flowClass, version string) (registeredFlow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[flowClass]
	if versions == nil {
		return registeredFlow{}, fmt.Errorf("flow class %q not found", flowClass)
	}
	rf, ok := versions[version]
	if !ok {
		return registeredFlow{}, fmt.Errorf("flow class %q version %q not found", flowClass, version)
	}
	return rf, nil
}

func (r *flowRegistry) Versions(flowClass string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[flowClass]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	return out
}
