package kvcache

import "math"

// BuildMask constructs the block-diagonal causal mask of spec.md
// §4.3 step 5 for one step's packed batch: query row i (belonging to
// some request, at absolute position positions[i]) may attend to key
// row j only if j falls within that request's own key block (the
// teacher's per-sequence cellRanges boundary, here a contiguous
// per-request slice rather than a scattered ring-buffer range) and
// the key's absolute position is <= positions[i].
//
// segmentLengths and cachedLens are parallel, in request order: the
// number of query rows and the resulting total key-block length
// (pre-existing + newly appended) for each request in this step.
// positions holds one absolute position per packed query row, in the
// same concatenated order as segmentLengths.
//
// The returned mask is [totalQueryRows, totalKeyRows] with 0 where
// attention is allowed and -Inf where it is masked out — ready to add
// onto raw attention scores before softmax.
func BuildMask(segmentLengths []int, cachedLens []int, positions []int32) []float32 {
	totalQuery := 0
	totalKey := 0
	for i := range segmentLengths {
		totalQuery += segmentLengths[i]
		totalKey += cachedLens[i]
	}

	mask := make([]float32, totalQuery*totalKey)
	negInf := float32(math.Inf(-1))
	for i := range mask {
		mask[i] = negInf
	}

	qOff, kOff := 0, 0
	for r := range segmentLengths {
		seg := segmentLengths[r]
		keyLen := cachedLens[r]

		for qi := 0; qi < seg; qi++ {
			qRow := qOff + qi

			// Pure decode (seg == 1) degenerates to "attend to all
			// cached keys of the same request" per spec.md §4.3.
			// Otherwise the causal boundary is the query's own
			// absolute position within this request's key block.
			limit := keyLen
			if seg > 1 {
				limit = min(keyLen, int(positions[qRow])+1)
			}
			for kj := 0; kj < limit; kj++ {
				mask[qRow*totalKey+kOff+kj] = 0
			}
		}
		qOff += seg
		kOff += keyLen
	}

	return mask
}
