package allocator

import (
	"fmt"

	"github.com/cuemby/noded/pkg/types"
)

// InsufficientResources is returned by Propose when the machine does not
// have enough of a resource free to satisfy a request, distinguishing a
// request that could succeed later (once other runs free resources) from
// one that could never succeed on this machine.
type InsufficientResources struct {
	Resource  string // "cpu" or "gpu"
	Requested int
	Available int
	Total     int
}

func (e *InsufficientResources) Error() string {
	return fmt.Sprintf(
		"requested more %s (%d) than available (%d currently out of %d on the machine)",
		e.Resource, e.Requested, e.Available, e.Total,
	)
}

// Impossible reports whether the request could never be satisfied on this
// machine, regardless of what else is currently running.
func (e *InsufficientResources) Impossible() bool {
	return e.Requested > e.Total
}

// Allocator proposes cpuset/gpuset assignments against a fixed machine
// inventory. It is stateless: Propose takes the currently-in-use sets as
// arguments rather than tracking them itself.
type Allocator struct {
	cpuset types.StringSet
	gpuset types.StringSet
}

// New creates an Allocator over the machine's full cpuset and gpuset.
func New(cpuset, gpuset types.StringSet) *Allocator {
	return &Allocator{
		cpuset: cpuset.Clone(),
		gpuset: gpuset.Clone(),
	}
}

// CPUs returns the total number of CPUs this Allocator has to give out.
func (a *Allocator) CPUs() int {
	return len(a.cpuset)
}

// GPUs returns the total number of GPUs this Allocator has to give out.
func (a *Allocator) GPUs() int {
	return len(a.gpuset)
}

// Propose assigns a cpuset and gpuset to satisfy requestCPUs/requestGPUs,
// given the sets already claimed by other running bundles. It has no side
// effects: the caller is responsible for recomputing usedCPUs/usedGPUs
// under its own lock before each call, and for recording the result
// afterward.
func (a *Allocator) Propose(requestCPUs, requestGPUs int, usedCPUs, usedGPUs types.StringSet) (types.StringSet, types.StringSet, error) {
	freeCPUs := a.cpuset.Sub(usedCPUs)
	freeGPUs := a.gpuset.Sub(usedGPUs)

	if len(freeCPUs) < requestCPUs {
		return nil, nil, &InsufficientResources{
			Resource:  "cpu",
			Requested: requestCPUs,
			Available: len(freeCPUs),
			Total:     len(a.cpuset),
		}
	}
	if len(freeGPUs) < requestGPUs {
		return nil, nil, &InsufficientResources{
			Resource:  "gpu",
			Requested: requestGPUs,
			Available: len(freeGPUs),
			Total:     len(a.gpuset),
		}
	}

	return proposeSubset(freeCPUs, requestCPUs), proposeSubset(freeGPUs, requestGPUs), nil
}

// proposeSubset deterministically picks the first requestCount indices out
// of the free set, sorted, so that repeated calls against the same free
// set always propose the same assignment.
func proposeSubset(free types.StringSet, requestCount int) types.StringSet {
	sorted := free.Sorted()
	picked := types.NewStringSet(sorted[:requestCount]...)
	return picked
}
