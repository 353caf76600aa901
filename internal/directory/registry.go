package directory

import (
	"errors"
	"fmt"
	"strings"

	"taskd/internal/recurrence"
	"taskd/internal/task"
)

var ErrUnknownTask = errors.New("unknown task")

// Registration describes one task type known to the process.
type Registration struct {
	ID          string
	DisplayName string
	Description string
	Category    string
	Enabled     bool
	// Default is the recurrence seeded for a task seen for the first time.
	// Nil or manual seeds nothing.
	Default *recurrence.Spec
	Config  map[string]any
	New     func() task.Executor
}

// Registry is the explicit id -> registration map. It keeps registration order.
type Registry struct {
	order []string
	byID  map[string]Registration
}

func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{byID: map[string]Registration{}}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(reg Registration) error {
	reg.ID = strings.TrimSpace(reg.ID)
	if reg.ID == "" {
		return errors.New("registration id is required")
	}
	if reg.New == nil {
		return fmt.Errorf("registration %s: executor factory is required", reg.ID)
	}
	if _, dup := r.byID[reg.ID]; dup {
		return fmt.Errorf("registration %s: duplicate id", reg.ID)
	}
	if reg.Default != nil {
		if err := reg.Default.Validate(); err != nil {
			return fmt.Errorf("registration %s: default recurrence: %w", reg.ID, err)
		}
	}
	if reg.DisplayName == "" {
		reg.DisplayName = reg.ID
	}
	r.order = append(r.order, reg.ID)
	r.byID[reg.ID] = reg
	return nil
}

func (r *Registry) Lookup(id string) (Registration, bool) {
	reg, ok := r.byID[id]
	return reg, ok
}

func (r *Registry) IDs() []string { return append([]string(nil), r.order...) }
