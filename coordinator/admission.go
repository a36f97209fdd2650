package coordinator

import "github.com/latticerun/lattice/request"

// admission tracks the FCFS queue of not-yet-dispatched requests and
// the set of requests currently mid-flight (PREFILL or DECODING),
// implementing spec.md §4.7's "admission policy: FCFS, bounded by a
// max packed-batch token budget." A request already decoding is
// always re-admitted every step — abandoning a partially generated
// sample mid-stream is not an option the packed-batch model offers —
// so the budget only gates how many new prefills join a step.
type admission struct {
	order []string // FCFS arrival order of every live request id
	queue []string // subset of order still PENDING
}

func newAdmission() *admission {
	return &admission{}
}

func (a *admission) submit(id string) {
	a.order = append(a.order, id)
	a.queue = append(a.queue, id)
}

func (a *admission) remove(id string) {
	a.order = removeString(a.order, id)
	a.queue = removeString(a.queue, id)
}

func removeString(s []string, id string) []string {
	for i, v := range s {
		if v == id {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}

// selectBatch splits live requests into the decoding set (always
// included) and the subset of the pending queue this step can admit
// into PREFILL without exceeding maxBatchTokens, given requests
// indexed by id. Admitted ids are popped off the queue.
func (a *admission) selectBatch(requests map[string]*request.Request, maxBatchTokens int) (decoding, admitted []*request.Request) {
	budget := maxBatchTokens
	for _, id := range a.order {
		r, ok := requests[id]
		if !ok || r.State != request.StateDecoding {
			continue
		}
		decoding = append(decoding, r)
		budget -= liveCompletions(r)
	}

	var remaining []string
	for i, id := range a.queue {
		r, ok := requests[id]
		if !ok {
			continue
		}
		cost := len(r.PromptTokenIDs)
		if cost > budget {
			remaining = append(remaining, a.queue[i:]...)
			break
		}
		budget -= cost
		admitted = append(admitted, r)
	}
	a.queue = remaining
	return decoding, admitted
}

func liveCompletions(r *request.Request) int {
	n := 0
	for _, c := range r.Completions {
		if c.FinishReason == request.FinishNone {
			n++
		}
	}
	return n
}
