// Package sample implements next-token selection over a model's
// output logits. Grounded on the teacher's runner package call site
// (runner/ollamarunner/runner_handlers.go's sample.NewSampler(temperature,
// topK, topP, minP, seed, grammar) construction and
// runner_compute.go's seq.sampler.Sample(logits) per-step call) — the
// teacher's own sample package was not present in the filtered
// example pack, so the Sampler interface and transform pipeline below
// are rebuilt from that call shape rather than copied.
package sample

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

var errEmptyLogits = errors.New("sample: empty logits")

// Sampler turns one token's logits into a chosen token id, matching
// the teacher's seq.sampler.Sample(logits) signature exactly.
type Sampler interface {
	Sample(logits []float32) (int32, error)
}

// Options mirrors the sampling knobs the teacher threads from
// api.Options into sample.NewSampler: temperature, top-k, top-p,
// min-p and a seed for reproducibility.
type Options struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	Seed        int64
}

type sampler struct {
	opts Options
	rng  *rand.Rand
}

// NewSampler builds a Sampler from opts. Temperature <= 0 selects
// greedy (argmax) sampling, the same convention the teacher's
// api.Options.Temperature uses.
func NewSampler(opts Options) Sampler {
	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	} else {
		rng = rand.New(rand.NewSource(1))
	}
	return &sampler{opts: opts, rng: rng}
}

type weighted struct {
	id    int32
	logit float32
}

func (s *sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return 0, errEmptyLogits
	}
	if s.opts.Temperature <= 0 {
		return argmax(logits), nil
	}

	candidates := make([]weighted, len(logits))
	for i, l := range logits {
		candidates[i] = weighted{id: int32(i), logit: l / s.opts.Temperature}
	}

	candidates = topK(candidates, s.opts.TopK)
	probs := softmax(candidates)
	candidates, probs = topP(candidates, probs, s.opts.TopP)
	candidates, probs = minP(candidates, probs, s.opts.MinP)

	return sampleFrom(s.rng, candidates, probs), nil
}

func argmax(logits []float32) int32 {
	best, bestIdx := logits[0], 0
	for i, l := range logits[1:] {
		if l > best {
			best = l
			bestIdx = i + 1
		}
	}
	return int32(bestIdx)
}

// topK keeps the k highest-logit candidates, or all of them if k <= 0
// or k >= len(candidates) (spec.md's "0 disables the filter"
// convention, matching api.Options.TopK's zero-value meaning).
func topK(candidates []weighted, k int) []weighted {
	if k <= 0 || k >= len(candidates) {
		sorted := append([]weighted(nil), candidates...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].logit > sorted[j].logit })
		return sorted
	}
	sorted := append([]weighted(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].logit > sorted[j].logit })
	return sorted[:k]
}

func softmax(candidates []weighted) []float32 {
	max := candidates[0].logit
	for _, c := range candidates[1:] {
		if c.logit > max {
			max = c.logit
		}
	}
	probs := make([]float32, len(candidates))
	var sum float32
	for i, c := range candidates {
		p := float32(math.Exp(float64(c.logit - max)))
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// topP keeps the smallest prefix (over probability-sorted candidates)
// whose cumulative probability reaches p. p <= 0 or p >= 1 disables
// the filter.
func topP(candidates []weighted, probs []float32, p float32) ([]weighted, []float32) {
	if p <= 0 || p >= 1 {
		return candidates, probs
	}
	var cum float32
	cut := len(candidates)
	for i, pr := range probs {
		cum += pr
		if cum >= p {
			cut = i + 1
			break
		}
	}
	return renormalize(candidates[:cut], probs[:cut])
}

// minP drops every candidate whose probability is below p times the
// top candidate's probability. p <= 0 disables the filter.
func minP(candidates []weighted, probs []float32, p float32) ([]weighted, []float32) {
	if p <= 0 || len(probs) == 0 {
		return candidates, probs
	}
	threshold := probs[0] * p
	cut := len(candidates)
	for i, pr := range probs {
		if pr < threshold {
			cut = i
			break
		}
	}
	if cut == 0 {
		cut = 1
	}
	return renormalize(candidates[:cut], probs[:cut])
}

func renormalize(candidates []weighted, probs []float32) ([]weighted, []float32) {
	out := append([]float32(nil), probs...)
	var sum float32
	for _, p := range out {
		sum += p
	}
	if sum == 0 {
		return candidates, out
	}
	for i := range out {
		out[i] /= sum
	}
	return candidates, out
}

func sampleFrom(rng *rand.Rand, candidates []weighted, probs []float32) int32 {
	r := rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return candidates[i].id
		}
	}
	return candidates[len(candidates)-1].id
}
