package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopyInput returns a deep copy of in, so callers can hand the copy to
// concurrent readers without aliasing the original map.
func DeepCopyInput(in Input) (Input, error) {
	if in == nil {
		return nil, nil
	}
	copied, err := deepCopyMap(map[string]any(in))
	if err != nil {
		return nil, fmt.Errorf("failed to copy input: %w", err)
	}
	return Input(copied), nil
}

// DeepCopyOutput returns a deep copy of out.
func DeepCopyOutput(out Output) (Output, error) {
	if out == nil {
		return nil, nil
	}
	copied, err := deepCopyMap(map[string]any(out))
	if err != nil {
		return nil, fmt.Errorf("failed to copy output: %w", err)
	}
	return Output(copied), nil
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	copiedInterface := deepcopy.Copy(m)
	copied, ok := copiedInterface.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to copy map")
	}
	return copied, nil
}
