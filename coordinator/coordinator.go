package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/request"
	"github.com/latticerun/lattice/transformer"
)

// Coordinator owns the in-flight request set and drives spec.md
// §4.7's per-step loop: admit, pack, dispatch across the pipeline,
// apply the output head, sample, and advance each request's state.
// Grounded on the teacher's Scheduler (server/sched.go): a single
// owned queue plus an in-flight set mutated under one lock between
// steps, generalized from "pick a runner slot for one sequence" to
// "pick the admitted batch for one pipeline step."
type Coordinator struct {
	mu        sync.Mutex
	requests  map[string]*request.Request
	admission *admission

	embedding      *nn.Embedding
	outputHead     *transformer.OutputHead
	pipeline       *Pipeline
	maxBatchTokens int
}

// New builds a Coordinator around an already-loaded embedding table,
// output head, and worker pipeline.
func New(embedding *nn.Embedding, outputHead *transformer.OutputHead, pipeline *Pipeline, maxBatchTokens int) *Coordinator {
	return &Coordinator{
		requests:       make(map[string]*request.Request),
		admission:      newAdmission(),
		embedding:      embedding,
		outputHead:     outputHead,
		pipeline:       pipeline,
		maxBatchTokens: maxBatchTokens,
	}
}

// Submit registers a new request in state PENDING at the back of the
// FCFS queue.
func (co *Coordinator) Submit(r *request.Request) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.requests[r.RequestID] = r
	co.admission.submit(r.RequestID)
}

// Get returns the live request for id, if the coordinator still owns
// it (Step removes a request at the end of the step in which it
// reaches STOPPED, and Cancel removes it immediately).
func (co *Coordinator) Get(id string) (*request.Request, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	r, ok := co.requests[id]
	return r, ok
}

// Cancel best-effort stops a request: marks it STOPPED with
// finish_reason=error locally and issues a fire-and-forget cache
// delete to every worker holding a copy of its prefix (spec.md §5).
func (co *Coordinator) Cancel(id string) {
	co.mu.Lock()
	r, ok := co.requests[id]
	if ok {
		delete(co.requests, id)
		co.admission.remove(id)
	}
	co.mu.Unlock()
	if !ok {
		return
	}
	n := len(r.Completions)
	r.Fail()
	for i := 0; i < co.pipeline.NumWorkers(); i++ {
		client := co.pipeline.Client(i)
		for sample := 0; sample < n; sample++ {
			if err := client.Evict(cacheID(r.RequestID, sample)); err != nil {
				slog.Warn("coordinator: evict on cancel failed", "request_id", r.RequestID, "worker", client.BaseURL, "error", err)
			}
		}
	}
}

// cacheID maps a request's sample index to the per-worker
// CacheManager key it decodes against: the request id itself for
// sample 0, and a derived id for every sample beyond it, each
// populated via CopyPrefix once the shared prefill completes.
func cacheID(requestID string, sampleIdx int) string {
	if sampleIdx == 0 {
		return requestID
	}
	return fmt.Sprintf("%s#%d", requestID, sampleIdx)
}

type batchSlot struct {
	req          *request.Request
	sampleIdx    int
	isPrefillRow bool
}

// Step runs one admission-pack-dispatch-sample cycle and returns the
// number of (request, sample) rows it processed. A zero result with a
// nil error means nothing was ready to admit.
func (co *Coordinator) Step(now time.Time) (int, error) {
	co.mu.Lock()
	decoding, admitted := co.admission.selectBatch(co.requests, co.maxBatchTokens)
	for _, r := range admitted {
		r.Advance() // PENDING -> PREFILL
	}
	co.mu.Unlock()

	if len(decoding) == 0 && len(admitted) == 0 {
		return 0, nil
	}

	var cacheIDs []string
	var segLens []int
	var tokenIDs []int32
	var slots []batchSlot

	for _, r := range decoding {
		last := r.LastTokens()
		for i, c := range r.Completions {
			if c.FinishReason != request.FinishNone {
				continue
			}
			cacheIDs = append(cacheIDs, cacheID(r.RequestID, i))
			segLens = append(segLens, 1)
			tokenIDs = append(tokenIDs, last[i])
			slots = append(slots, batchSlot{req: r, sampleIdx: i})
		}
	}
	for _, r := range admitted {
		cacheIDs = append(cacheIDs, cacheID(r.RequestID, 0))
		segLens = append(segLens, len(r.PromptTokenIDs))
		tokenIDs = append(tokenIDs, r.PromptTokenIDs...)
		slots = append(slots, batchSlot{req: r, isPrefillRow: true})
	}

	if len(cacheIDs) == 0 {
		return 0, nil
	}

	hidden := co.embedding.Forward(tokenIDs)
	outcome := <-co.pipeline.Dispatch(cacheIDs, segLens, hidden)
	if outcome.Err != nil {
		for _, s := range slots {
			s.req.Fail()
		}
		co.drainStopped(slots)
		return len(slots), outcome.Err
	}
	if outcome.Hidden.Shape[0] != len(slots) {
		err := fmt.Errorf("coordinator: pipeline returned %d rows for %d dispatched slots", outcome.Hidden.Shape[0], len(slots))
		for _, s := range slots {
			s.req.Fail()
		}
		co.drainStopped(slots)
		return len(slots), err
	}

	logits := co.outputHead.Forward(outcome.Hidden)
	for i, s := range slots {
		row := logits.Row(i)
		if s.isPrefillRow {
			co.finishPrefillRow(s.req, row, now)
			continue
		}
		token, err := s.req.Completions[s.sampleIdx].Sampler.Sample(row)
		if err != nil {
			s.req.Fail()
			continue
		}
		s.req.AppendToken(s.sampleIdx, token, now)
	}

	co.drainStopped(slots)
	return len(slots), nil
}

// finishPrefillRow samples every completion's first token from the
// single logits row prefill produced, duplicates the cached prefix
// for every sample beyond the first, and advances the request to
// DECODING (unless every sample already stopped on its first token).
func (co *Coordinator) finishPrefillRow(r *request.Request, logits []float32, now time.Time) {
	for i, c := range r.Completions {
		token, err := c.Sampler.Sample(logits)
		if err != nil {
			r.Fail()
			return
		}
		r.AppendToken(i, token, now)
	}

	if len(r.Completions) > 1 {
		for i := 0; i < co.pipeline.NumWorkers(); i++ {
			client := co.pipeline.Client(i)
			for sample := 1; sample < len(r.Completions); sample++ {
				if err := client.CopyPrefix(r.RequestID, cacheID(r.RequestID, sample)); err != nil {
					slog.Error("coordinator: copy_prefix failed", "request_id", r.RequestID, "worker", client.BaseURL, "sample", sample, "error", err)
					r.Fail()
					return
				}
			}
		}
	}

	r.Advance() // PREFILL -> DECODING (no-op if Fail already moved it to STOPPED)
}

func (co *Coordinator) drainStopped(slots []batchSlot) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, s := range slots {
		if s.req.IsStop() {
			if _, ok := co.requests[s.req.RequestID]; ok {
				delete(co.requests, s.req.RequestID)
				co.admission.remove(s.req.RequestID)
			}
		}
	}
}
