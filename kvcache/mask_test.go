package kvcache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMaskPrefillIsLowerTriangularWithinRequest(t *testing.T) {
	// One request, prefill of 3 fresh tokens: cachedLen == segLen == 3.
	mask := BuildMask([]int{3}, []int{3}, []int32{0, 1, 2})
	want := []float32{
		0, negInf, negInf,
		0, 0, negInf,
		0, 0, 0,
	}
	assert.Equal(t, want, mask)
}

func TestBuildMaskDecodeAttendsAllCachedKeys(t *testing.T) {
	// Decode step: 1 new query row, 5 total cached keys (4 old + 1 new).
	mask := BuildMask([]int{1}, []int{5}, []int32{4})
	for _, v := range mask {
		assert.Equal(t, float32(0), v)
	}
}

func TestBuildMaskIsBlockDiagonalAcrossRequests(t *testing.T) {
	// Two requests, each prefill of 2 tokens.
	mask := BuildMask([]int{2, 2}, []int{2, 2}, []int32{0, 1, 0, 1})
	totalKey := 4
	// Request 0's queries (rows 0,1) must not attend to request 1's
	// key block (cols 2,3), and vice versa.
	for _, row := range []int{0, 1} {
		for _, col := range []int{2, 3} {
			assert.Equal(t, negInf, mask[row*totalKey+col])
		}
	}
	for _, row := range []int{2, 3} {
		for _, col := range []int{0, 1} {
			assert.Equal(t, negInf, mask[row*totalKey+col])
		}
	}
}

func TestBuildMaskContinuedPrefillUsesPriorCachedLen(t *testing.T) {
	// Request already has 2 cached tokens; this step processes 2 more
	// (segLen=2), so cachedLen after update is 4. Query absolute
	// positions are 2 and 3.
	mask := BuildMask([]int{2}, []int{4}, []int32{2, 3})
	want := []float32{
		0, 0, 0, negInf,
		0, 0, 0, 0,
	}
	assert.Equal(t, want, mask)
}

var negInf = float32(math.Inf(-1))
