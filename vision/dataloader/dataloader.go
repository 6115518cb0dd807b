// Package dataloader iterates a multi-task dataset in shuffled batches,
// decoding images ahead of the training loop.
package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-remind/vision/dataset"
	"github.com/tsawler/go-remind/vision/preprocessing"
)

// DataLoader handles batch loading with pair caching
type DataLoader struct {
	dataset *dataset.MultiTaskDataset
	config  Config
	rng     *rand.Rand
	indices []int
	cache   *PairCache

	mu     sync.Mutex
	active *Epoch
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	MaxCacheSize int // pairs kept decoded in memory
	ImageSize    int
	Channels     int
	NumWorkers   int  // goroutines decoding the files of one batch
	Prefetch     int  // batches decoded ahead of the consumer
	Swap         bool // exchange A and B (direction BtoA)
	Seed         int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds *dataset.MultiTaskDataset, config Config) *DataLoader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 1
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset: ds,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: indices,
		cache:   NewPairCache(config.MaxCacheSize),
	}
}

// NumBatches returns the number of batches in one epoch
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

type batchResult struct {
	batch *dataset.Batch
	err   error
}

// Epoch is one pass over the dataset. A single goroutine decodes batches
// into a channel of Config.Prefetch capacity.
type Epoch struct {
	results chan batchResult
	cancel  context.CancelFunc
	done    chan struct{}
}

// Epoch starts a new pass, reshuffling when configured. A previous epoch
// still running is closed first.
func (dl *DataLoader) Epoch(ctx context.Context) *Epoch {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.active != nil {
		dl.active.Close()
	}

	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	order := append([]int(nil), dl.indices...)

	ctx, cancel := context.WithCancel(ctx)
	e := &Epoch{
		results: make(chan batchResult, dl.config.Prefetch),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	dl.active = e

	go func() {
		defer close(e.done)
		defer close(e.results)
		for start := 0; start < len(order); start += dl.config.BatchSize {
			end := min(start+dl.config.BatchSize, len(order))
			b, err := dl.loadBatch(order[start:end])
			select {
			case e.results <- batchResult{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return e
}

// Next returns the next batch, or io.EOF after the last one.
func (e *Epoch) Next() (*dataset.Batch, error) {
	r, ok := <-e.results
	if !ok {
		return nil, io.EOF
	}
	return r.batch, r.err
}

// Close stops prefetching and waits for the loader goroutine to exit.
func (e *Epoch) Close() {
	e.cancel()
	for range e.results {
	}
	<-e.done
}

func (dl *DataLoader) loadBatch(indices []int) (*dataset.Batch, error) {
	items := make([][]*preprocessing.Pair, 0, len(indices))
	for _, idx := range indices {
		paths, err := dl.dataset.GetItem(idx, dl.rng)
		if err != nil {
			return nil, err
		}
		pairs, err := dl.loadPairs(paths)
		if err != nil {
			return nil, err
		}
		items = append(items, pairs)
	}
	return dataset.Collate(items, dl.config.Swap)
}

// loadPairs loads the pairs of one item, decoding cache misses concurrently
func (dl *DataLoader) loadPairs(paths []string) ([]*preprocessing.Pair, error) {
	pairs := make([]*preprocessing.Pair, len(paths))
	var missing []string
	var missingIdx []int
	for i, p := range paths {
		if pair, ok := dl.cache.Get(p); ok {
			pairs[i] = pair
			continue
		}
		missing = append(missing, p)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return pairs, nil
	}

	loaded, err := preprocessing.PreprocessPairs(missing, dl.config.ImageSize, dl.config.Channels, dl.config.NumWorkers)
	if err != nil {
		return nil, errors.Wrap(err, "loading batch")
	}
	for k, pair := range loaded {
		pairs[missingIdx[k]] = pair
		dl.cache.Put(pair.Path, pair)
	}
	return pairs, nil
}
