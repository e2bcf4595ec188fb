// Package plan loads declarative task-set definitions from YAML and
// instantiates them through the state machine. Plans reference subtasks by
// name; names resolve to generated ids at apply time.
package plan

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkoster/foreman/internal/state"
	"github.com/mkoster/foreman/internal/store"
)

// Plan is a parsed task-set definition.
type Plan struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task and its subtasks.
type TaskSpec struct {
	Name     string         `yaml:"name"`
	Metadata map[string]any `yaml:"metadata"`
	Subtasks []SubtaskSpec  `yaml:"subtasks"`
}

// SubtaskSpec declares one subtask. DependsOn names subtasks anywhere in
// the plan, so dependencies may cross task boundaries.
type SubtaskSpec struct {
	Name       string   `yaml:"name"`
	Capability string   `yaml:"capability"`
	DependsOn  []string `yaml:"depends_on"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan for structural problems: empty task sets,
// duplicate or missing names, unknown dependencies, and dependency cycles.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan %q has no tasks", p.Name)
	}

	taskNames := make(map[string]bool, len(p.Tasks))
	deps := make(map[string][]string)
	for _, t := range p.Tasks {
		if t.Name == "" {
			return fmt.Errorf("plan %q contains a task with no name", p.Name)
		}
		if taskNames[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		taskNames[t.Name] = true
		if len(t.Subtasks) == 0 {
			return fmt.Errorf("task %q has no subtasks", t.Name)
		}
		for _, s := range t.Subtasks {
			if s.Name == "" {
				return fmt.Errorf("task %q contains a subtask with no name", t.Name)
			}
			if _, exists := deps[s.Name]; exists {
				return fmt.Errorf("duplicate subtask name %q", s.Name)
			}
			deps[s.Name] = s.DependsOn
		}
	}

	for name, dependsOn := range deps {
		for _, dep := range dependsOn {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("subtask %q depends on unknown subtask %q", name, dep)
			}
			if dep == name {
				return fmt.Errorf("subtask %q depends on itself", name)
			}
		}
	}

	// Kahn's algorithm: anything left unscheduled sits on a cycle.
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string)
	for name, dependsOn := range deps {
		indegree[name] = len(dependsOn)
		for _, dep := range dependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	var frontier []string
	for name, n := range indegree {
		if n == 0 {
			frontier = append(frontier, name)
		}
	}
	scheduled := 0
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		scheduled++
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}
	if scheduled < len(deps) {
		return fmt.Errorf("dependency cycle: only %d of %d subtasks can be scheduled", scheduled, len(deps))
	}
	return nil
}

// Applied reports the ids assigned while instantiating a plan.
type Applied struct {
	TaskIDs    map[string]string // task name -> id
	SubtaskIDs map[string]string // subtask name -> id
}

// Enqueuer admits an instantiated subtask to the work queue.
type Enqueuer interface {
	Enqueue(subtaskID, capability string, ready bool)
}

// Apply instantiates the plan: every task and subtask is created through
// the machine and each subtask enters the queue, ready immediately when it
// has no dependencies. Plan names are resolved to the generated ids.
func (p *Plan) Apply(ctx context.Context, m *state.Machine, q Enqueuer) (*Applied, error) {
	applied := &Applied{
		TaskIDs:    make(map[string]string, len(p.Tasks)),
		SubtaskIDs: make(map[string]string),
	}

	ordered, err := p.topoOrder()
	if err != nil {
		return nil, err
	}

	specs := make(map[string]SubtaskSpec)
	owner := make(map[string]string)
	for _, t := range p.Tasks {
		task, err := m.CreateTask(ctx, t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("create task %q: %w", t.Name, err)
		}
		applied.TaskIDs[t.Name] = task.ID
		for _, s := range t.Subtasks {
			specs[s.Name] = s
			owner[s.Name] = task.ID
		}
	}

	// Subtasks in dependency order so name references always resolve.
	created := make(map[string]*store.Subtask)
	for _, name := range ordered {
		spec := specs[name]
		depIDs := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			depIDs = append(depIDs, created[dep].ID)
		}
		sub, err := m.CreateSubtask(ctx, owner[name], spec.Capability, depIDs)
		if err != nil {
			return nil, fmt.Errorf("create subtask %q: %w", name, err)
		}
		created[name] = sub
		applied.SubtaskIDs[name] = sub.ID
		q.Enqueue(sub.ID, spec.Capability, len(depIDs) == 0)
	}
	return applied, nil
}

// topoOrder returns subtask names in an order where every dependency
// precedes its dependents. Validate has already ruled out cycles.
func (p *Plan) topoOrder() ([]string, error) {
	deps := make(map[string][]string)
	var names []string
	for _, t := range p.Tasks {
		for _, s := range t.Subtasks {
			deps[s.Name] = s.DependsOn
			names = append(names, s.Name)
		}
	}

	var order []string
	visited := make(map[string]int) // 0 unseen, 1 in stack, 2 done
	var visit func(string) error
	visit = func(name string) error {
		switch visited[name] {
		case 1:
			return fmt.Errorf("dependency cycle through %q", name)
		case 2:
			return nil
		}
		visited[name] = 1
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
