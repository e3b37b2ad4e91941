// Package worker defines the worker registry and the execution contract
// between the scheduler and external agents.
package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Registry holds the declared worker pool. It is loaded once at start-up
// and passed by reference into the selector and scheduler; nothing reads
// worker definitions from ambient process state.
type Registry struct {
	workers []types.Worker
	byID    map[string]types.Worker
}

// registryFile is the on-disk YAML shape
type registryFile struct {
	Workers []types.Worker `yaml:"workers"`
}

// LoadRegistry reads the worker pool from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing worker registry: %w", err)
	}
	return NewRegistry(file.Workers)
}

// NewRegistry builds a registry from an explicit worker list
func NewRegistry(workers []types.Worker) (*Registry, error) {
	byID := make(map[string]types.Worker, len(workers))
	for _, w := range workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker %q has no id", w.Name)
		}
		if len(w.Roles) == 0 {
			return nil, fmt.Errorf("worker %s declares no roles", w.ID)
		}
		if _, dup := byID[w.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %s", w.ID)
		}
		byID[w.ID] = w
	}
	return &Registry{workers: workers, byID: byID}, nil
}

// All returns every registered worker
func (r *Registry) All() []types.Worker {
	return r.workers
}

// Get looks up a worker by ID
func (r *Registry) Get(id string) (types.Worker, bool) {
	w, ok := r.byID[id]
	return w, ok
}

// ForRole returns the workers qualified for a role
func (r *Registry) ForRole(role string) []types.Worker {
	var qualified []types.Worker
	for _, w := range r.workers {
		if w.HasRole(role) {
			qualified = append(qualified, w)
		}
	}
	return qualified
}

// Names returns an ID to display-name map for reporting
func (r *Registry) Names() map[string]string {
	names := make(map[string]string, len(r.workers))
	for _, w := range r.workers {
		names[w.ID] = w.Name
	}
	return names
}
