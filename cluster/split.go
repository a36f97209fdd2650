package cluster

// SplitModelLayers returns clientSize contiguous, disjoint ranges that
// cover [0, totalLayers), balanced within ±1 layer — spec.md §6's
// `split_model_layers(model_size_B, total_layers)` assignment
// algorithm, minus the model-size-to-client-size derivation (weight-
// archive/model-size parsing is out of scope, spec.md §1; the caller
// supplies clientSize directly, e.g. from deployment configuration).
func SplitModelLayers(clientSize, totalLayers int) [][2]int {
	if clientSize <= 0 {
		return nil
	}
	base := totalLayers / clientSize
	extra := totalLayers % clientSize

	ranges := make([][2]int, clientSize)
	start := 0
	for i := 0; i < clientSize; i++ {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = [2]int{start, start + size}
		start += size
	}
	return ranges
}
