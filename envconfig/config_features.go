// config_features.go - coordinator admission and worker transport
// tuning, replacing the teacher's GPU/feature-flag set with the
// knobs spec.md's distributed runtime actually has.
package envconfig

//
// The three settings below are parsed and reported through AsMap, but
// no other package reads them: the coordinator's admission is bounded
// by MaxBatchTokens alone, with no batch-size cap, no queue limit and
// no low-latency switch.
var (
	// NumParallel is LATTICE_NUM_PARALLEL, a requests-per-batch
	// ceiling (default 32). The coordinator does not apply it.
	NumParallel = Uint("LATTICE_NUM_PARALLEL", 32)

	// MaxQueue is LATTICE_MAX_QUEUE, a pending-queue limit (default
	// 512). The coordinator does not apply it; submissions are never
	// rejected for queue length.
	MaxQueue = Uint("LATTICE_MAX_QUEUE", 512)

	// LowLatencyMode is LATTICE_LOW_LATENCY (default false). The
	// coordinator does not consult it.
	LowLatencyMode = Bool("LATTICE_LOW_LATENCY")
)
