package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestDefaultsToOneCompletionAndPending(t *testing.T) {
	r := New("r1", []int32{1, 2, 3}, SamplingParams{}, []int32{99}, time.Unix(0, 0))
	assert.Equal(t, StatePending, r.State)
	require.Len(t, r.Completions, 1)
}

func TestNewRequestHonorsNSamples(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{NSamples: 3}, nil, time.Unix(0, 0))
	assert.Len(t, r.Completions, 3)
	assert.Equal(t, 0, r.Completions[0].SampleID)
	assert.Equal(t, 2, r.Completions[2].SampleID)
}

func TestAdvanceFollowsPendingPrefillDecoding(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{}, nil, time.Unix(0, 0))
	assert.Equal(t, StatePending, r.State)
	r.Advance()
	assert.Equal(t, StatePrefill, r.State)
	r.Advance()
	assert.Equal(t, StateDecoding, r.State)
	r.Advance()
	assert.Equal(t, StateDecoding, r.State)
}

func TestAppendTokenStopsOnEOS(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{MaxNewTokens: 10}, []int32{42}, time.Unix(0, 0))
	stopped := r.AppendToken(0, 7, time.Unix(0, 1))
	assert.False(t, stopped)
	stopped = r.AppendToken(0, 42, time.Unix(0, 2))
	assert.True(t, stopped)
	assert.Equal(t, FinishStop, r.Completions[0].FinishReason)
}

func TestAppendTokenStopsOnMaxNewTokens(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{MaxNewTokens: 2}, nil, time.Unix(0, 0))
	assert.False(t, r.AppendToken(0, 1, time.Unix(0, 1)))
	assert.True(t, r.AppendToken(0, 2, time.Unix(0, 2)))
	assert.Equal(t, FinishLength, r.Completions[0].FinishReason)
}

func TestAppendTokenWaitsForAllSamplesBeforeStopping(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{NSamples: 2, MaxNewTokens: 1}, nil, time.Unix(0, 0))
	assert.False(t, r.AppendToken(0, 1, time.Unix(0, 1)))
	assert.True(t, r.AppendToken(1, 1, time.Unix(0, 2)))
	assert.True(t, r.IsStop())
}

func TestFailMarksEveryCompletionError(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{NSamples: 2}, nil, time.Unix(0, 0))
	r.Fail()
	assert.Equal(t, StateStopped, r.State)
	for _, c := range r.Completions {
		assert.Equal(t, FinishError, c.FinishReason)
	}
}

func TestTimeToFirstTokenRecordedOnce(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{}, nil, time.Unix(0, 0))
	r.AppendToken(0, 1, time.Unix(0, 5))
	assert.Equal(t, 5*time.Nanosecond, r.TimeToFirstToken)
	r.AppendToken(0, 2, time.Unix(0, 9))
	require.Len(t, r.InterTokenTimes, 1)
	assert.Equal(t, 4*time.Nanosecond, r.InterTokenTimes[0])
}

func TestLastTokensReturnsMostRecentPerSample(t *testing.T) {
	r := New("r1", []int32{1}, SamplingParams{NSamples: 2}, nil, time.Unix(0, 0))
	r.AppendToken(0, 11, time.Unix(0, 1))
	r.AppendToken(1, 22, time.Unix(0, 1))
	assert.Equal(t, []int32{11, 22}, r.LastTokens())
}

func TestSnapshotReflectsCompletions(t *testing.T) {
	r := New("r1", []int32{1, 2}, SamplingParams{}, []int32{5}, time.Unix(0, 0))
	r.AppendToken(0, 5, time.Unix(0, 1))
	out := r.Snapshot()
	assert.Equal(t, "r1", out.RequestID)
	require.Len(t, out.Completions, 1)
	assert.Equal(t, []int32{5}, out.Completions[0].TokenIDs)
	assert.Equal(t, FinishStop, out.Completions[0].FinishReason)
}
