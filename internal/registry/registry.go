// Copyright 2025 James Ross
// Package registry is the name-indexed, in-process mapping from pipeline
// type to configuration. It is the one piece of process-wide state the
// core carries, and it is passed as an explicit dependency into the engine
// rather than reached for as a hidden global.
package registry

import (
	"sync"

	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipelineerr"
)

// Registry is safe for concurrent use: registration is expected at process
// start, reads happen continuously thereafter from every request path.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]pipeline.Config
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{configs: make(map[string]pipeline.Config)}
}

// Register adds or replaces a pipeline configuration. Idempotent; the last
// registration for a given name wins.
func (r *Registry) Register(cfg pipeline.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Name] = cfg
}

// Lookup returns the configuration registered under name, or
// UnknownPipelineType if none was registered.
func (r *Registry) Lookup(name string) (pipeline.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return pipeline.Config{}, pipelineerr.New(pipelineerr.CodeUnknownPipelineType, "unknown pipeline type: "+name)
	}
	return cfg, nil
}

// Names returns every registered pipeline type, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	return names
}
