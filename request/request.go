// Package request implements the coordinator-owned Request data model
// of spec.md §1/§2: input token ids, sampling parameters, per-sample
// accumulated output, finish reasons, and the PENDING → PREFILL →
// DECODING → STOPPED lifecycle. Grounded on the teacher's
// runner/ollamarunner/runner_types.go Sequence struct (the closest
// teacher analogue: per-sequence prompt inputs, pending responses,
// sampler, stop list, numPredict, timing fields), generalized from
// "one local model instance's in-flight generation" to "one
// coordinator-owned request that may be mid-flight across a pipeline
// of remote workers."
package request

import (
	"errors"
	"sync"
	"time"

	"github.com/latticerun/lattice/sample"
)

// State is a Request's lifecycle stage (spec.md §2: "PENDING → PREFILL
// (first dispatch) → DECODING (subsequent dispatches) → STOPPED (EOS,
// length, or cancel). STOPPED is terminal").
type State int

const (
	StatePending State = iota
	StatePrefill
	StateDecoding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePrefill:
		return "PREFILL"
	case StateDecoding:
		return "DECODING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// FinishReason labels why a sample stopped, per spec.md §2's "finish
// reason per sample (length, stop, or none)" plus the error path of
// §7 ("the coordinator surfaces only terminal failures to the
// consumer with finish_reason=\"error\"").
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// ErrUnknownRequest is returned by operations addressing a request_id
// the coordinator no longer owns.
var ErrUnknownRequest = errors.New("request: unknown request_id")

// SamplingParams is the per-request sampling configuration of
// spec.md §2: "temperature, top-p, top-k, max new tokens, n-samples".
type SamplingParams struct {
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	MaxNewTokens  int
	NSamples      int
	StopSequences []string
	Seed          int64
}

// Completion is one of a request's n independent samples: its own
// accumulated token ids, decoded text, sampler, and finish reason.
// Splitting samples out this way is what makes n-samples a matter of
// running n independent Completions against cache entries copied from
// the same prefill (kvcache.RequestsCache.CopyPrefix), rather than
// re-running prefill n times.
type Completion struct {
	SampleID     int
	TokenIDs     []int32
	Text         string
	FinishReason FinishReason
	Sampler      sample.Sampler
}

// Request is the coordinator's owned record of one client submission,
// mutated after each step and destroyed when stopped or timed out
// (spec.md §2).
type Request struct {
	mu sync.Mutex

	RequestID      string
	PromptTokenIDs []int32
	Params         SamplingParams
	EOSIDs         map[int32]bool

	State       State
	Completions []*Completion

	ArrivalTime      time.Time
	FirstTokenTime   time.Time
	LastTokenTime    time.Time
	InterTokenTimes  []time.Duration
	TimeToFirstToken time.Duration
}

// New builds a Request in state PENDING with one Completion per
// sampling_params.n_samples (minimum 1).
func New(requestID string, promptTokenIDs []int32, params SamplingParams, eosIDs []int32, now time.Time) *Request {
	n := params.NSamples
	if n < 1 {
		n = 1
	}
	eos := make(map[int32]bool, len(eosIDs))
	for _, id := range eosIDs {
		eos[id] = true
	}
	completions := make([]*Completion, n)
	for i := range completions {
		completions[i] = &Completion{
			SampleID: i,
			Sampler: sample.NewSampler(sample.Options{
				Temperature: params.Temperature,
				TopK:        params.TopK,
				TopP:        params.TopP,
				MinP:        params.MinP,
				Seed:        params.Seed + int64(i),
			}),
		}
	}
	return &Request{
		RequestID:      requestID,
		PromptTokenIDs: promptTokenIDs,
		Params:         params,
		EOSIDs:         eos,
		State:          StatePending,
		Completions:    completions,
		ArrivalTime:    now,
	}
}

// Advance moves a request through its admitted lifecycle transition:
// PENDING/PREFILL's first dispatch goes to PREFILL, every subsequent
// dispatch goes to DECODING. Calling Advance on a STOPPED request is a
// no-op, since STOPPED is terminal (spec.md §2).
func (r *Request) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State {
	case StatePending:
		r.State = StatePrefill
	case StatePrefill:
		r.State = StateDecoding
	}
}

// AppendToken records sampleIdx's newly generated token, updates
// timing metrics, and checks the stop conditions of spec.md §1 step 5:
// an EOS id in config's eos_token_ids, or max_new_tokens reached.
// Returns true once every completion has stopped, at which point it
// also moves the request to STOPPED.
func (r *Request) AppendToken(sampleIdx int, tokenID int32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.Completions[sampleIdx]
	if c.FinishReason != FinishNone {
		return r.allStopped()
	}

	if r.FirstTokenTime.IsZero() {
		r.FirstTokenTime = now
		r.TimeToFirstToken = now.Sub(r.ArrivalTime)
	} else if !r.LastTokenTime.IsZero() {
		r.InterTokenTimes = append(r.InterTokenTimes, now.Sub(r.LastTokenTime))
	}
	r.LastTokenTime = now

	c.TokenIDs = append(c.TokenIDs, tokenID)

	if r.EOSIDs[tokenID] {
		c.FinishReason = FinishStop
	} else if r.Params.MaxNewTokens > 0 && len(c.TokenIDs) >= r.Params.MaxNewTokens {
		c.FinishReason = FinishLength
	}

	stopped := r.allStopped()
	if stopped {
		r.State = StateStopped
	}
	return stopped
}

// Fail marks every completion as finished with finish_reason "error"
// (spec.md §7), for terminal failure propagation.
func (r *Request) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Completions {
		if c.FinishReason == FinishNone {
			c.FinishReason = FinishError
		}
	}
	r.State = StateStopped
}

func (r *Request) allStopped() bool {
	for _, c := range r.Completions {
		if c.FinishReason == FinishNone {
			return false
		}
	}
	return true
}

// IsStop reports the request's is_stop flag (spec.md §2): every
// completion has a finish reason.
func (r *Request) IsStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allStopped()
}

// LastTokens returns the most recently generated token id per sample,
// in SampleID order, for packing the next decode step's input.
func (r *Request) LastTokens() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int32, len(r.Completions))
	for i, c := range r.Completions {
		if len(c.TokenIDs) > 0 {
			out[i] = c.TokenIDs[len(c.TokenIDs)-1]
		}
	}
	return out
}

// Output is the coordinator→consumer view of a Request (spec.md §6:
// "request_id, prompt_token_ids, and a list of n completions each
// carrying token_ids, decoded text, and a finish reason").
type Output struct {
	RequestID      string
	PromptTokenIDs []int32
	Completions    []CompletionOutput
}

// CompletionOutput is one sample's externally visible result.
type CompletionOutput struct {
	TokenIDs     []int32
	Text         string
	FinishReason FinishReason
}

// Snapshot builds the Output view of r as of now.
func (r *Request) Snapshot() Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Output{RequestID: r.RequestID, PromptTokenIDs: r.PromptTokenIDs}
	for _, c := range r.Completions {
		out.Completions = append(out.Completions, CompletionOutput{
			TokenIDs:     append([]int32(nil), c.TokenIDs...),
			Text:         c.Text,
			FinishReason: c.FinishReason,
		})
	}
	return out
}
