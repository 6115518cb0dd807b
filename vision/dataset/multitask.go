// Package dataset pairs the aligned datasets of every task seen so far into
// the multi-stream batches consumed by lifelong training.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/vision/preprocessing"
)

// KeyA names the source images of stream i in a Batch.
func KeyA(i int) string { return fmt.Sprintf("A_%d", i) }

// KeyB names the target images of stream i in a Batch.
func KeyB(i int) string { return fmt.Sprintf("B_%d", i) }

// KeyPaths names the source paths of stream i in a Batch.
func KeyPaths(i int) string { return fmt.Sprintf("A_paths_%d", i) }

// Batch maps A_i, B_i to [N, C, H, W] tensors and A_paths_i to the N
// source paths of stream i.
type Batch struct {
	Images map[string]*tensor.Tensor
	Paths  map[string][]string
}

// MultiTaskDataset draws PerTask streams from every task. Streams of the
// current (last) task walk its images in index order; streams of earlier
// tasks are sampled at random.
type MultiTaskDataset struct {
	tasks   []*AlignedDataset
	perTask int
}

// NewMultiTaskDataset combines task datasets, oldest first.
func NewMultiTaskDataset(tasks []*AlignedDataset, perTask int) (*MultiTaskDataset, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no task datasets")
	}
	if perTask < 1 {
		return nil, fmt.Errorf("samples per task must be positive, got %d", perTask)
	}
	return &MultiTaskDataset{tasks: tasks, perTask: perTask}, nil
}

// LoadTasks opens one aligned dataset per directory.
func LoadTasks(dirs []string, perTask, maxSize int) (*MultiTaskDataset, error) {
	tasks := make([]*AlignedDataset, 0, len(dirs))
	for i, dir := range dirs {
		d, err := NewAlignedDataset(dir, maxSize)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		tasks = append(tasks, d)
	}
	return NewMultiTaskDataset(tasks, perTask)
}

// Len is the number of items per epoch: the current task's images grouped
// PerTask at a time.
func (d *MultiTaskDataset) Len() int {
	n := d.current().Len()
	return (n + d.perTask - 1) / d.perTask
}

// Streams is the number of streams in an item.
func (d *MultiTaskDataset) Streams() int { return len(d.tasks) * d.perTask }

// Tasks returns the number of tasks.
func (d *MultiTaskDataset) Tasks() int { return len(d.tasks) }

func (d *MultiTaskDataset) current() *AlignedDataset { return d.tasks[len(d.tasks)-1] }

// GetItem returns the file path of every stream of item index.
func (d *MultiTaskDataset) GetItem(index int, rng *rand.Rand) ([]string, error) {
	if index < 0 || index >= d.Len() {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, d.Len())
	}
	paths := make([]string, 0, d.Streams())
	last := len(d.tasks) - 1
	for t, task := range d.tasks {
		for k := 0; k < d.perTask; k++ {
			var idx int
			if t == last {
				idx = (index*d.perTask + k) % task.Len()
			} else {
				idx = rng.Intn(task.Len())
			}
			p, err := task.GetItem(idx)
			if err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// Collate stacks items into a batch. items[j][i] is stream i of item j; with
// swap the halves of every pair trade places (direction BtoA).
func Collate(items [][]*preprocessing.Pair, swap bool) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("collate: no items")
	}
	streams := len(items[0])
	b := &Batch{
		Images: make(map[string]*tensor.Tensor, 2*streams),
		Paths:  make(map[string][]string, streams),
	}
	for i := 0; i < streams; i++ {
		as := make([]*preprocessing.ProcessedImage, len(items))
		bs := make([]*preprocessing.ProcessedImage, len(items))
		paths := make([]string, len(items))
		for j, item := range items {
			if len(item) != streams {
				return nil, fmt.Errorf("collate: item %d has %d streams, want %d", j, len(item), streams)
			}
			as[j], bs[j], paths[j] = item[i].A, item[i].B, item[i].Path
			if swap {
				as[j], bs[j] = bs[j], as[j]
			}
		}
		ta, err := preprocessing.ToTensor(as...)
		if err != nil {
			return nil, fmt.Errorf("collate stream %d: %w", i, err)
		}
		tb, err := preprocessing.ToTensor(bs...)
		if err != nil {
			return nil, fmt.Errorf("collate stream %d: %w", i, err)
		}
		b.Images[KeyA(i)] = ta
		b.Images[KeyB(i)] = tb
		b.Paths[KeyPaths(i)] = paths
	}
	return b, nil
}
