package networks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-remind/tensor"
)

// StateDict returns a copy of every parameter of n keyed by parameter name.
// The copies carry no gradient flag.
func StateDict(n Network) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range n.Parameters() {
		c := p.Value.Clone()
		c.SetRequiresGrad(false)
		state[p.Name] = c
	}
	return state
}

// LoadStateDict copies state into the parameters of n. Keys must match
// exactly: missing, unexpected and mis-shaped entries are all reported.
// Gradient flags of n are left untouched.
func LoadStateDict(n Network, state map[string]*tensor.Tensor) error {
	var missing, mismatched []string
	seen := make(map[string]bool, len(state))
	for _, p := range n.Parameters() {
		src, ok := state[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		seen[p.Name] = true
		if !sameShape(src.Shape, p.Value.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s (checkpoint %v, model %v)", p.Name, src.Shape, p.Value.Shape))
		}
	}
	var unexpected []string
	for k := range state {
		if !seen[k] {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		sort.Strings(unexpected)
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing keys: "+strings.Join(missing, ", "))
		}
		if len(unexpected) > 0 {
			parts = append(parts, "unexpected keys: "+strings.Join(unexpected, ", "))
		}
		if len(mismatched) > 0 {
			parts = append(parts, "size mismatch: "+strings.Join(mismatched, ", "))
		}
		return fmt.Errorf("loading state into %s: %s", n.Architecture(), strings.Join(parts, "; "))
	}

	for _, p := range n.Parameters() {
		copy(p.Value.Data, state[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
