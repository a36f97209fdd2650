// Package coordinator implements the coordinator process of spec.md
// §4.7/§6: per-step admission over pending requests, packing prompt or
// last-decoded tokens into a batch, driving that batch hop-by-hop
// across the worker pipeline, and applying the final norm, output
// projection, and sampling once the last hop returns.
package coordinator

import (
	"context"
	"fmt"

	"github.com/latticerun/lattice/rpcwire"
	"github.com/latticerun/lattice/tensor"
)

// StepOutcome is what a pipeline dispatch eventually reports: the
// final hidden states from the last pipeline-parallel worker, or the
// error from whichever hop failed.
type StepOutcome struct {
	Hidden     tensor.Tensor
	CostTimeMS float64
	Err        error
}

type pipelineJob struct {
	requestIDs     []string
	segmentLengths []int
	hidden         tensor.Tensor
	costTimeMS     float64
	result         chan StepOutcome
}

// Pipeline drives one packed batch through every pipeline-parallel
// worker in rank order. Grounded on the teacher's
// runner/ollamarunner/runner_compute.go computeBatch, which hands a
// batch off between an "inputs ready" and "compute started" channel
// pair so the next batch's work can begin before the current batch's
// post-processing finishes; generalized here from a two-stage
// (forward, compute) handoff to one stage per worker in the pipeline,
// so step s+1 can be dispatched to worker 0 while step s is still
// working its way through workers 1..P-1.
type Pipeline struct {
	clients []*rpcwire.Client
	stages  []chan pipelineJob
}

// NewPipeline builds a Pipeline over clients, one per pipeline-parallel
// rank in forward order (clients[0] is pp_rank 0, the rank the
// coordinator dispatches to directly).
func NewPipeline(clients []*rpcwire.Client) *Pipeline {
	p := &Pipeline{clients: clients, stages: make([]chan pipelineJob, len(clients))}
	for i := range p.stages {
		p.stages[i] = make(chan pipelineJob, 8)
	}
	return p
}

// Start launches one goroutine per pipeline stage. It must be called
// once before the first Dispatch and runs until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i, client := range p.clients {
		go p.runStage(ctx, i, client)
	}
}

func (p *Pipeline) runStage(ctx context.Context, i int, client *rpcwire.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.stages[i]:
			out, cost, err := client.Forward(job.requestIDs, job.segmentLengths, job.hidden)
			if err != nil {
				job.result <- StepOutcome{Err: fmt.Errorf("coordinator: hop %d (%s): %w", i, client.BaseURL, err)}
				continue
			}
			job.hidden = out
			job.costTimeMS += cost

			if i == len(p.clients)-1 {
				job.result <- StepOutcome{Hidden: out, CostTimeMS: job.costTimeMS}
				continue
			}
			select {
			case p.stages[i+1] <- job:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Dispatch enqueues one packed batch at the first pipeline stage and
// returns a channel that receives exactly one StepOutcome once the
// batch has cleared every hop (or failed at one).
func (p *Pipeline) Dispatch(requestIDs []string, segmentLengths []int, hidden tensor.Tensor) <-chan StepOutcome {
	result := make(chan StepOutcome, 1)
	if len(p.stages) == 0 {
		result <- StepOutcome{Err: fmt.Errorf("coordinator: pipeline has no workers")}
		return result
	}
	p.stages[0] <- pipelineJob{requestIDs: requestIDs, segmentLengths: segmentLengths, hidden: hidden, result: result}
	return result
}

// NumWorkers reports the pipeline's depth (pp_world_size).
func (p *Pipeline) NumWorkers() int { return len(p.clients) }

// Client returns the client for pipeline-parallel rank i, for
// broadcast operations outside the hot forward path (CopyPrefix,
// Evict, SetConfig).
func (p *Pipeline) Client(i int) *rpcwire.Client { return p.clients[i] }
