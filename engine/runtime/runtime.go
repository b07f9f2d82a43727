package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
)

// ErrUnknownNodeType is returned when no step behavior is registered for a
// node type. It is a validation failure: retrying does not teach the
// registry a new type.
var ErrUnknownNodeType = errors.New("unknown node type")

// Invoker runs one node's behavior against its fully resolved config. The
// runner depends only on this seam; the real step runtime lives behind it.
type Invoker interface {
	Invoke(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error)
}

// StepFunc is one registered step behavior.
type StepFunc func(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error)

// Registry maps node types to step behaviors. Registration happens at
// startup; invocation is concurrent and read-only after that.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]StepFunc)}
}

// Register binds a step behavior to a node type, replacing any previous
// binding for the same type.
func (r *Registry) Register(nodeType string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[nodeType] = fn
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Invoke dispatches to the behavior registered for the node's type.
func (r *Registry) Invoke(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error) {
	r.mu.RLock()
	fn, ok := r.steps[node.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (node %s)", ErrUnknownNodeType, node.Type, node.ID)
	}
	return fn(ctx, node, config)
}
