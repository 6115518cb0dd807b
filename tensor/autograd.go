package tensor

import (
	"fmt"
)

// record attaches op as the creator of out when any input needs a gradient.
// Inputs that do not require gradients never get a graph edge, which is how
// frozen networks run without building one.
func record(out *Tensor, op Operation) *Tensor {
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			return out
		}
	}
	return out
}

// Detach returns a tensor sharing t's data with no gradient history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Backward runs reverse-mode differentiation from a single-element root.
// Gradients are accumulated into the grad field of leaf tensors that require
// them; intermediate gradients are kept local to the call so a graph can be
// traversed more than once.
func Backward(root *Tensor) error {
	if root.NumElems != 1 {
		return fmt.Errorf("backward: %w: root must have a single element, got shape %v", ErrShapeMismatch, root.Shape)
	}
	if !root.requiresGrad {
		return fmt.Errorf("backward: root does not require grad")
	}

	order := topologicalOrder(root)
	grads := make(map[*Tensor]*Tensor, len(order))
	seed := zerosLike(root)
	seed.Data[0] = 1
	grads[root] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut, ok := grads[node]
		if !ok {
			continue
		}
		if node.creator == nil {
			accumulateLeaf(node, gradOut)
			continue
		}

		inputGrads, err := node.creator.Backward(gradOut)
		if err != nil {
			return fmt.Errorf("backward through %T: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				addInto(existing, inputGrads[j])
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return nil
}

func accumulateLeaf(leaf, grad *Tensor) {
	if leaf.grad == nil {
		leaf.grad = zerosLike(leaf)
	}
	addInto(leaf.grad, grad)
}

func addInto(dst, src *Tensor) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}

func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	// iterative DFS; generator graphs are deep enough to make recursion noisy
	type frame struct {
		node     *Tensor
		expanded bool
	}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.expanded {
			order = append(order, top.node)
			continue
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		stack = append(stack, frame{node: top.node, expanded: true})
		if top.node.creator == nil {
			continue
		}
		for _, in := range top.node.creator.Inputs() {
			if in != nil && in.requiresGrad && !visited[in] {
				stack = append(stack, frame{node: in})
			}
		}
	}
	return order
}

// ZeroGrad clears accumulated gradients
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
