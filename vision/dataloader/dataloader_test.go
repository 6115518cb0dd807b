package dataloader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tsawler/go-remind/vision/dataset"
	"github.com/tsawler/go-remind/vision/preprocessing"
)

func createTaskDir(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 4))
		for x := 0; x < 8; x++ {
			for y := 0; y < 4; y++ {
				img.Set(x, y, color.RGBA{uint8(20 * i), 0, 0, 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%02d.png", i)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	return dir
}

func newLoader(t *testing.T, cfg Config, sizes ...int) *DataLoader {
	t.Helper()
	var dirs []string
	for _, n := range sizes {
		dirs = append(dirs, createTaskDir(t, n))
	}
	ds, err := dataset.LoadTasks(dirs, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	return NewDataLoader(ds, cfg)
}

func TestNewDataLoaderDefaults(t *testing.T) {
	dl := newLoader(t, Config{ImageSize: 4}, 3)
	if dl.config.BatchSize != 1 || dl.config.NumWorkers != 1 || dl.config.Prefetch != 1 {
		t.Errorf("unexpected defaults %+v", dl.config)
	}
	if dl.config.MaxCacheSize != 1000 {
		t.Errorf("default cache size %d, want 1000", dl.config.MaxCacheSize)
	}
}

func TestEpochYieldsEveryBatch(t *testing.T) {
	dl := newLoader(t, Config{BatchSize: 2, ImageSize: 4, Channels: 3, Shuffle: true, Prefetch: 2, NumWorkers: 2}, 3, 10)
	// 10 current images, 2 per item -> 5 items -> 3 batches of at most 2
	if dl.NumBatches() != 3 {
		t.Fatalf("NumBatches() = %d, want 3", dl.NumBatches())
	}

	for epoch := 0; epoch < 2; epoch++ {
		e := dl.Epoch(context.Background())
		var sizes []int
		for {
			b, err := e.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if len(b.Images) != 8 {
				t.Fatalf("batch has %d image entries, want 8 (4 streams x A/B)", len(b.Images))
			}
			sizes = append(sizes, b.Images[dataset.KeyA(0)].Shape[0])
		}
		e.Close()
		if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
			t.Errorf("epoch %d batch sizes %v, want [2 2 1]", epoch, sizes)
		}
	}
	if stats := dl.cache.Stats(); stats.Hits == 0 {
		t.Error("the second epoch should hit the pair cache")
	}
}

func TestEpochCloseStopsEarly(t *testing.T) {
	dl := newLoader(t, Config{ImageSize: 4, Channels: 3}, 8)
	e := dl.Epoch(context.Background())
	if _, err := e.Next(); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if _, err := e.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}
}

func TestEpochReportsLoadErrors(t *testing.T) {
	dir := createTaskDir(t, 2)
	ds, err := dataset.LoadTasks([]string{dir}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "01.png")); err != nil {
		t.Fatal(err)
	}
	dl := NewDataLoader(ds, Config{ImageSize: 4, Channels: 3})
	e := dl.Epoch(context.Background())
	defer e.Close()

	var sawErr bool
	for {
		_, err := e.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("expected the missing file to surface as an error")
	}
}

func TestPairCacheEviction(t *testing.T) {
	c := NewPairCache(2)
	for _, k := range []string{"a", "b", "c"} {
		c.Put(k, &preprocessing.Pair{Path: k})
	}
	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if p, ok := c.Get("c"); !ok || p.Path != "c" {
		t.Error("c should be cached")
	}

	// touching b makes c the eviction candidate
	c.Get("b")
	c.Put("d", &preprocessing.Pair{Path: "d"})
	if _, ok := c.Get("c"); ok {
		t.Error("c should have been evicted after b was used")
	}

	stats := c.Stats()
	if stats.Size != 2 || stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	c.Clear()
	if c.Stats().Size != 0 {
		t.Error("Clear should empty the cache")
	}
}

func TestPairCacheDisabled(t *testing.T) {
	c := NewPairCache(-1)
	c.Put("a", &preprocessing.Pair{})
	if _, ok := c.Get("a"); ok {
		t.Error("a negative size disables caching")
	}
}

func TestPairCacheConcurrentAccess(t *testing.T) {
	c := NewPairCache(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("%d", (g*i)%32)
				if _, ok := c.Get(key); !ok {
					c.Put(key, &preprocessing.Pair{Path: key})
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Stats().Size > 16 {
		t.Errorf("cache grew to %d entries", c.Stats().Size)
	}
}
