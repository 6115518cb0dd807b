package training

import (
	"fmt"

	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/vision/dataset"
)

// Streams is the typed view of one batch: PerTask streams for every task
// seen so far, oldest task first. The last PerTask streams belong to the
// task being trained and all earlier ones to previous tasks.
type Streams struct {
	A       []*tensor.Tensor
	B       []*tensor.Tensor
	Paths   [][]string
	PerTask int
}

// NewStreams unpacks a batch holding perTask*taskNum streams.
func NewStreams(b *dataset.Batch, taskNum, perTask int) (*Streams, error) {
	if taskNum < 1 || perTask < 1 {
		return nil, fmt.Errorf("streams: task %d with %d samples per task", taskNum, perTask)
	}
	n := taskNum * perTask
	s := &Streams{
		A:       make([]*tensor.Tensor, n),
		B:       make([]*tensor.Tensor, n),
		Paths:   make([][]string, n),
		PerTask: perTask,
	}
	for i := 0; i < n; i++ {
		a, ok := b.Images[dataset.KeyA(i)]
		if !ok {
			return nil, fmt.Errorf("streams: batch has no %s", dataset.KeyA(i))
		}
		bb, ok := b.Images[dataset.KeyB(i)]
		if !ok {
			return nil, fmt.Errorf("streams: batch has no %s", dataset.KeyB(i))
		}
		s.A[i], s.B[i] = a, bb
		s.Paths[i] = b.Paths[dataset.KeyPaths(i)]
	}
	return s, nil
}

// Len is the total number of streams.
func (s *Streams) Len() int { return len(s.A) }

// Current returns the stream indices of the task being trained.
func (s *Streams) Current() []int {
	return indexRange(s.Len()-s.PerTask, s.Len())
}

// Previous returns the stream indices of all earlier tasks.
func (s *Streams) Previous() []int {
	return indexRange(0, s.Len()-s.PerTask)
}

// Parity selects the discriminator that judges stream i.
func (s *Streams) Parity(i int) int { return i % s.PerTask }

func indexRange(from, to int) []int {
	if to <= from {
		return nil
	}
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
