package noderef

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// refPattern matches a node reference of the form {{@nodeId:label.path}}.
// The id runs from "@" to the first ":", the label from there to the first
// ".", and the path is everything up to the closing braces. The label is
// cosmetic display text: it is preserved by remapping and ignored by
// resolution. Text that merely looks like a template ({{ ... }} without the
// "@" lead-in, or a reference missing one of its separators) never matches
// and passes through untouched.
var refPattern = regexp.MustCompile(`\{\{@([^:{}]+):([^.{}]*)\.([^{}]+)\}\}`)

// Ref is one parsed node reference occurrence.
type Ref struct {
	NodeID string
	Label  string
	Path   string
}

// String reconstructs the reference in its source form.
func (r Ref) String() string {
	return "{{@" + r.NodeID + ":" + r.Label + "." + r.Path + "}}"
}

// ErrUnresolvedReference reports a reference whose target output or path
// does not exist. It marks a permanently bad input: retrying the step
// cannot make the reference resolve.
var ErrUnresolvedReference = errors.New("unresolved reference")

// UnresolvedReferenceError carries the failing reference and the reason it
// could not be resolved.
type UnresolvedReferenceError struct {
	Ref    Ref
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s: %s", e.Ref.String(), e.Reason)
}

func (e *UnresolvedReferenceError) Unwrap() error {
	return ErrUnresolvedReference
}

// HasRef reports whether the string contains node reference syntax.
func HasRef(s string) bool {
	return strings.Contains(s, "{{@")
}

// Find returns every node reference occurrence in the string, in order.
func Find(s string) []Ref {
	if !HasRef(s) {
		return nil
	}
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{NodeID: m[1], Label: m[2], Path: m[3]})
	}
	return refs
}

// Remap rewrites the node id token of every reference whose id has an entry
// in the mapping. Ids without an entry, label and path text, and all
// surrounding text are left byte-for-byte unchanged. A string with no
// reference syntax is returned as is.
func Remap(s string, ids map[string]string) string {
	if s == "" || !HasRef(s) || len(ids) == 0 {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(occurrence string) string {
		m := refPattern.FindStringSubmatch(occurrence)
		newID, ok := ids[m[1]]
		if !ok {
			return occurrence
		}
		return "{{@" + newID + ":" + m[2] + "." + m[3] + "}}"
	})
}

// RemapConfig applies Remap to every value of a node config map. Keys are
// never rewritten. The input map is not mutated.
func RemapConfig(config map[string]string, ids map[string]string) map[string]string {
	if config == nil {
		return nil
	}
	result := make(map[string]string, len(config))
	for k, v := range config {
		result[k] = Remap(v, ids)
	}
	return result
}

// Resolver substitutes node references with values from completed node
// outputs. Outputs are encoded to JSON lazily, once per node, so repeated
// references into the same output share one encoding.
type Resolver struct {
	outputs map[string]core.Output
	encoded map[string][]byte
}

// NewResolver creates a resolver over the given node outputs, keyed by
// node id.
func NewResolver(outputs map[string]core.Output) *Resolver {
	return &Resolver{
		outputs: outputs,
		encoded: make(map[string][]byte, len(outputs)),
	}
}

// Resolve substitutes every reference in the string. A string that is
// exactly one reference yields the referenced value with its type
// preserved; references embedded in surrounding text are stringified into
// it. A reference to a node with no recorded output, or a path that does
// not resolve, returns an UnresolvedReferenceError.
func (r *Resolver) Resolve(s string) (any, error) {
	if !HasRef(s) {
		return s, nil
	}

	// A whole-string single reference keeps the value's original type
	// instead of flattening it into text.
	if loc := refPattern.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		m := refPattern.FindStringSubmatch(s)
		ref := Ref{NodeID: m[1], Label: m[2], Path: m[3]}
		result, err := r.lookup(ref)
		if err != nil {
			return nil, err
		}
		return result.Value(), nil
	}

	var resolveErr error
	resolved := refPattern.ReplaceAllStringFunc(s, func(occurrence string) string {
		if resolveErr != nil {
			return occurrence
		}
		m := refPattern.FindStringSubmatch(occurrence)
		ref := Ref{NodeID: m[1], Label: m[2], Path: m[3]}
		result, err := r.lookup(ref)
		if err != nil {
			resolveErr = err
			return occurrence
		}
		return result.String()
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return resolved, nil
}

// ResolveConfig resolves every value of a node config map. The error names
// the config field that failed.
func (r *Resolver) ResolveConfig(config map[string]string) (map[string]any, error) {
	result := make(map[string]any, len(config))
	for k, v := range config {
		resolved, err := r.Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config field %s: %w", k, err)
		}
		result[k] = resolved
	}
	return result, nil
}

// lookup navigates the reference path inside the named node's output.
func (r *Resolver) lookup(ref Ref) (gjson.Result, error) {
	encoded, err := r.encodeOutput(ref)
	if err != nil {
		return gjson.Result{}, err
	}
	result := gjson.GetBytes(encoded, ref.Path)
	if !result.Exists() {
		return gjson.Result{}, &UnresolvedReferenceError{
			Ref:    ref,
			Reason: fmt.Sprintf("path %q does not resolve in the node output", ref.Path),
		}
	}
	return result, nil
}

// encodeOutput returns the JSON encoding of the referenced node's output.
func (r *Resolver) encodeOutput(ref Ref) ([]byte, error) {
	if encoded, ok := r.encoded[ref.NodeID]; ok {
		return encoded, nil
	}
	output, ok := r.outputs[ref.NodeID]
	if !ok {
		return nil, &UnresolvedReferenceError{
			Ref:    ref,
			Reason: "no output recorded for the referenced node",
		}
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output of node %s: %w", ref.NodeID, err)
	}
	r.encoded[ref.NodeID] = encoded
	return encoded, nil
}
