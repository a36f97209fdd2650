package nn

import (
	"sync"

	"github.com/latticerun/lattice/tensor"
)

// ProcessGroup is the all-reduce abstraction spec.md §9 asks for in
// place of "tensor-parallel work as actor fan-out with manual
// ray.get": a fixed, locally co-located set of World ranks,
// synchronized by a sum all-reduce. It has no notion of individually
// addressable shards; it only ever combines a full batch of per-rank
// partials produced within the same call.
type ProcessGroup struct {
	World int
}

// NewProcessGroup returns a ProcessGroup of the given world size.
func NewProcessGroup(world int) *ProcessGroup {
	return &ProcessGroup{World: world}
}

// AllReduceSum combines one partial tensor per rank into the summed
// result. World == 1 bypasses any synchronization (spec.md §8: "W = 1
// ... bypasses all-reduce"). For World > 1 the partials are summed
// concurrently in binary-tree fashion across goroutines representing
// the co-located ranks, mirroring how the teacher's tensor-parallel
// primitive is a fixed worker group rather than independently
// addressable actors.
func (pg *ProcessGroup) AllReduceSum(partials []tensor.Tensor) tensor.Tensor {
	if len(partials) == 1 {
		return partials[0]
	}

	work := append([]tensor.Tensor(nil), partials...)
	for len(work) > 1 {
		next := make([]tensor.Tensor, 0, (len(work)+1)/2)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < len(work); i += 2 {
			if i+1 == len(work) {
				next = append(next, work[i])
				continue
			}
			wg.Add(1)
			a, b := work[i], work[i+1]
			go func() {
				defer wg.Done()
				sum := tensor.AllReduceSum([]tensor.Tensor{a, b})
				mu.Lock()
				next = append(next, sum)
				mu.Unlock()
			}()
		}
		wg.Wait()
		work = next
	}
	return work[0]
}
