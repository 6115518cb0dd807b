package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-remind/vision/preprocessing"
)

// AlignedDataset lists the AB image files of one task. Each file holds the
// source image on its left half and the target on its right half.
type AlignedDataset struct {
	root       string
	imagePaths []string
}

// NewAlignedDataset collects the image files directly under root, sorted by
// name. maxSize > 0 keeps only the first maxSize files.
func NewAlignedDataset(root string, maxSize int) (*AlignedDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	d := &AlignedDataset{root: root}
	for _, e := range entries {
		if e.IsDir() || !preprocessing.IsImageFile(e.Name()) {
			continue
		}
		d.imagePaths = append(d.imagePaths, filepath.Join(root, e.Name()))
	}
	sort.Strings(d.imagePaths)

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	if maxSize > 0 && len(d.imagePaths) > maxSize {
		d.imagePaths = d.imagePaths[:maxSize]
	}
	return d, nil
}

// Len returns the number of items in the dataset
func (d *AlignedDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path at the given index
func (d *AlignedDataset) GetItem(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

// Root is the directory the dataset was read from.
func (d *AlignedDataset) Root() string { return d.root }

// Subset creates a subset of the dataset with the specified indices
func (d *AlignedDataset) Subset(indices []int) *AlignedDataset {
	subset := &AlignedDataset{root: d.root, imagePaths: make([]string, len(indices))}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
	}
	return subset
}

func (d *AlignedDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "AlignedDataset: %d pairs in %s", len(d.imagePaths), d.root)
	return sb.String()
}
