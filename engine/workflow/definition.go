package workflow

import (
	"errors"
	"fmt"
	"maps"

	"dario.cat/mergo"

	"github.com/techops-services/keeperhub-sub010/pkg/noderef"
)

// ErrNotFound is returned when a workflow definition does not exist or is
// not visible to the caller.
var ErrNotFound = errors.New("workflow not found")

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// NodeKind distinguishes trigger entry points from executable steps.
type NodeKind string

const (
	NodeKindTrigger NodeKind = "trigger"
	NodeKindStep    NodeKind = "step"
)

func (k NodeKind) IsValid() bool {
	return k == NodeKindTrigger || k == NodeKindStep
}

// Node is one vertex of a workflow graph. Config values are raw strings that
// may embed node references; dependency edges are implied by those
// references, never declared separately.
type Node struct {
	ID       string            `json:"id"       yaml:"id"`
	Kind     NodeKind          `json:"kind"     yaml:"kind"`
	Type     string            `json:"type"     yaml:"type"`
	Disabled bool              `json:"disabled" yaml:"disabled"`
	Config   map[string]string `json:"config"   yaml:"config"`
}

// configDefaults holds per-node-type config defaults. They are merged under
// the explicit node config, so a definition only carries the fields it
// overrides.
var configDefaults = map[string]map[string]string{
	"http_request": {
		"method":  "GET",
		"timeout": "30s",
	},
	"hub_api": {
		"method": "GET",
	},
	"log": {
		"level": "info",
	},
}

// EffectiveConfig returns the node config with its type defaults merged in.
// Explicit values win over defaults. The node's own map is never mutated.
func (n *Node) EffectiveConfig() (map[string]string, error) {
	merged := make(map[string]string)
	if defaults, ok := configDefaults[n.Type]; ok {
		maps.Copy(merged, defaults)
	}
	if err := mergo.Merge(&merged, n.Config, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config defaults for node %s: %w", n.ID, err)
	}
	return merged, nil
}

// References returns the distinct node ids this node's config refers to,
// excluding self-references (those are rejected by Validate).
func (n *Node) References() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, value := range n.Config {
		for _, ref := range noderef.Find(value) {
			if seen[ref.NodeID] {
				continue
			}
			seen[ref.NodeID] = true
			ids = append(ids, ref.NodeID)
		}
	}
	return ids
}

// -----------------------------------------------------------------------------
// Definition
// -----------------------------------------------------------------------------

// Definition is an immutable-per-version workflow graph. Stored as JSONB by
// the platform; also decodable from YAML for offline validation.
type Definition struct {
	ID       string `json:"id"       yaml:"id"`
	Version  int    `json:"version"  yaml:"version"`
	Name     string `json:"name"     yaml:"name"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Nodes    []Node `json:"nodes"    yaml:"nodes"`
}

// Validate checks the structural invariants of a definition: non-empty
// unique node ids, valid kinds, at least one trigger node, references that
// name existing nodes only, and trigger nodes free of references.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if d.Version < 1 {
		return fmt.Errorf("workflow %s: version must be at least 1", d.ID)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %s: no nodes defined", d.ID)
	}

	ids := make(map[string]bool, len(d.Nodes))
	triggers := 0
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("workflow %s: node at index %d has an empty id", d.ID, i)
		}
		if ids[node.ID] {
			return fmt.Errorf("workflow %s: duplicate node id %s", d.ID, node.ID)
		}
		ids[node.ID] = true
		if !node.Kind.IsValid() {
			return fmt.Errorf("workflow %s: node %s has unknown kind %q", d.ID, node.ID, node.Kind)
		}
		if node.Kind == NodeKindTrigger {
			triggers++
		}
	}
	if triggers == 0 {
		return fmt.Errorf("workflow %s: at least one trigger node is required", d.ID)
	}

	for i := range d.Nodes {
		node := &d.Nodes[i]
		if _, err := node.EffectiveConfig(); err != nil {
			return err
		}
		refs := node.References()
		if node.Kind == NodeKindTrigger && len(refs) > 0 {
			return fmt.Errorf("workflow %s: trigger node %s must not reference other nodes", d.ID, node.ID)
		}
		for _, ref := range refs {
			if ref == node.ID {
				return fmt.Errorf("workflow %s: node %s references itself", d.ID, node.ID)
			}
			if !ids[ref] {
				return fmt.Errorf("workflow %s: node %s references unknown node %s", d.ID, node.ID, ref)
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNodes returns the trigger nodes in definition order.
func (d *Definition) TriggerNodes() []Node {
	var out []Node
	for _, n := range d.Nodes {
		if n.Kind == NodeKindTrigger {
			out = append(out, n)
		}
	}
	return out
}

// Fork duplicates the definition, rewriting node identities through the
// remap table: mapped node ids are replaced and every config string is run
// through the reference remapper, so references keep pointing at the same
// logical node. Ids absent from the table stay untouched. The receiver is
// never mutated; the caller assigns the fork's new workflow identity.
func (d *Definition) Fork(remap map[string]string) *Definition {
	fork := &Definition{
		ID:       d.ID,
		Version:  d.Version,
		Name:     d.Name,
		Disabled: d.Disabled,
		Nodes:    make([]Node, len(d.Nodes)),
	}
	for i, node := range d.Nodes {
		id := node.ID
		if mapped, ok := remap[id]; ok {
			id = mapped
		}
		fork.Nodes[i] = Node{
			ID:       id,
			Kind:     node.Kind,
			Type:     node.Type,
			Disabled: node.Disabled,
			Config:   noderef.RemapConfig(node.Config, remap),
		}
	}
	return fork
}
