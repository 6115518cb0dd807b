// Package device reports the host CPU capabilities that the tensor kernels run on.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Info describes the compute device used for training.
type Info struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Features      []string
	Workers       int
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, features: %s, workers: %d)",
		i.Brand, i.PhysicalCores, i.LogicalCores, strings.Join(i.Features, ","), i.Workers)
}

var reported = []struct {
	name string
	id   cpuid.FeatureID
}{
	{"SSE4.2", cpuid.SSE42},
	{"AVX", cpuid.AVX},
	{"AVX2", cpuid.AVX2},
	{"FMA3", cpuid.FMA3},
	{"AVX512F", cpuid.AVX512F},
	{"ASIMD", cpuid.ASIMD},
}

// Detect inspects the host CPU. maxWorkers caps the kernel fan-out; zero
// means one worker per physical core.
func Detect(maxWorkers int) Info {
	info := Info{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	for _, f := range reported {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	info.Workers = workerCount(info.PhysicalCores, runtime.GOMAXPROCS(0), maxWorkers)
	return info
}

func workerCount(physical, procs, maxWorkers int) int {
	n := physical
	if n <= 0 {
		n = procs
	}
	n = min(n, procs)
	if maxWorkers > 0 {
		n = min(n, maxWorkers)
	}
	return max(n, 1)
}
