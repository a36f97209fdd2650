// Command coordinator runs the cluster's single coordinator process:
// it accepts worker registrations and pipeline-parallel layer
// assignment over HTTP (spec.md §6), and once the registered workers
// cover every layer (cluster.Membership.FindContinuousPath), starts
// driving the step loop that admits requests, packs them into a
// batch, and forwards that batch across the worker pipeline. Grounded
// on the teacher's cmd/cmd_serve.go RunServer shape, generalized from
// one local server listener to the coordinator's admission/dispatch
// loop running alongside it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticerun/lattice/cluster"
	"github.com/latticerun/lattice/coordinator"
	"github.com/latticerun/lattice/envconfig"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/rpcwire"
	"github.com/latticerun/lattice/transformer"
)

func main() {
	if err := newCoordinatorCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCoordinatorCmd() *cobra.Command {
	var (
		listen      string
		weightsPath string
		configPath  string
		clientSize  int
		pingTimeout time.Duration
		stepEvery   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the lattice cluster coordinator",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetLogLoggerLevel(envconfig.LogLevel())

			cfg, err := loadCoordinatorConfig(configPath)
			if err != nil {
				return err
			}

			source, err := transformer.LoadSafetensors(weightsPath)
			if err != nil {
				return fmt.Errorf("coordinator: %w", err)
			}
			loader := transformer.NewWeightLoader(source)

			embedding, err := loader.LoadEmbedding()
			if err != nil {
				return fmt.Errorf("coordinator: load embedding: %w", err)
			}
			outputHead, err := loader.LoadOutputHead(cfg, embedding)
			if err != nil {
				return fmt.Errorf("coordinator: load output head: %w", err)
			}

			membership := cluster.NewMembership(cfg.NumLayers, clientSize, cluster.NewDialPinger(pingTimeout))
			heartbeat := cluster.NewHeartbeatMonitor(envconfig.HeartbeatGracePeriod())
			server := coordinator.NewServer(membership, nil)
			server.AttachHeartbeat(heartbeat)

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("coordinator: listen %s: %w", listen, err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			go func() {
				slog.Info("coordinator listening", "addr", ln.Addr())
				if err := (&http.Server{Handler: server.GenerateRoutes()}).Serve(ln); err != nil && ctx.Err() == nil {
					slog.Error("coordinator: http server exited", "error", err)
				}
			}()

			go runClusterAssembly(ctx, membership, heartbeat, server, embedding, outputHead, envconfig.MaxBatchTokens(), stepEvery)

			<-ctx.Done()
			slog.Info("coordinator: shutting down")
			return ln.Close()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8080", "address the coordinator's HTTP surface binds to")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "path to a .safetensors file holding the embedding and output-head weights")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON model config (transformer.Config fields)")
	cmd.Flags().IntVar(&clientSize, "client-size", 1, "number of pipeline-parallel worker ranks expected to register")
	cmd.Flags().DurationVar(&pingTimeout, "ping-timeout", 2*time.Second, "per-attempt TCP reachability probe timeout for newly registering workers")
	cmd.Flags().DurationVar(&stepEvery, "step-interval", 5*time.Millisecond, "how often the coordinator attempts a batch step once the pipeline is assembled")
	cmd.MarkFlagRequired("weights")
	cmd.MarkFlagRequired("config")

	return cmd
}

// runClusterAssembly watches membership for as long as ctx lives,
// keeping the coordinator's pipeline in sync with whichever contiguous
// covering path (spec.md §4.8) is currently available: it (re)builds
// the Pipeline/Coordinator whenever FindContinuousPath reports a path
// different from the one currently driving dispatch, and detaches the
// coordinator whenever no full path exists (spec.md §8 scenario 6:
// "serves no further requests until path selection succeeds again").
// A parallel heartbeat tick drives Membership.PingAll and unregisters
// any client whose heartbeat has lapsed past the grace period, which
// in turn surfaces as a path change on the next assembly tick.
func runClusterAssembly(ctx context.Context, membership *cluster.Membership, heartbeat *cluster.HeartbeatMonitor, server *coordinator.Server, embedding *nn.Embedding, outputHead *transformer.OutputHead, maxBatchTokens int, stepEvery time.Duration) {
	assembleTicker := time.NewTicker(200 * time.Millisecond)
	defer assembleTicker.Stop()
	heartbeatTicker := time.NewTicker(envconfig.PingInterval())
	defer heartbeatTicker.Stop()

	var (
		pipelineCancel context.CancelFunc
		activePath     []cluster.Client
	)
	stopPipeline := func() {
		if pipelineCancel != nil {
			pipelineCancel()
			pipelineCancel = nil
		}
		if activePath != nil {
			activePath = nil
			server.AttachCoordinator(nil)
		}
	}
	defer stopPipeline()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-heartbeatTicker.C:
			membership.PingAll(now, heartbeat)
			for _, id := range heartbeat.Expired(now) {
				slog.Warn("coordinator: client heartbeat expired, unregistering", "client_id", id)
				membership.UnregisterClient(id)
				heartbeat.Forget(id)
			}

		case <-assembleTicker.C:
			path, ok := membership.FindContinuousPath()
			if !ok {
				if activePath != nil {
					slog.Warn("coordinator: pipeline path lost, pausing dispatch until reassembled")
					stopPipeline()
				}
				continue
			}
			if samePath(path, activePath) {
				continue
			}

			stopPipeline()
			activePath = path

			pipelineCtx, cancel := context.WithCancel(ctx)
			pipelineCancel = cancel

			clients := make([]*rpcwire.Client, len(path))
			for i, c := range path {
				clients[i] = rpcwire.NewClient("http://" + c.Host)
			}

			pipeline := coordinator.NewPipeline(clients)
			pipeline.Start(pipelineCtx)

			co := coordinator.New(embedding, outputHead, pipeline, maxBatchTokens)
			server.AttachCoordinator(co)
			go runStepLoop(pipelineCtx, co, stepEvery)
			slog.Info("coordinator: pipeline assembled, step loop starting", "workers", len(clients))
		}
	}
}

// samePath reports whether a and b assign the same client to every
// rank, so an unchanged FindContinuousPath result doesn't needlessly
// tear down and rebuild an already-running pipeline.
func samePath(a, b []cluster.Client) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ClientID != b[i].ClientID {
			return false
		}
	}
	return true
}

// runStepLoop drives one coordinator's admit-pack-dispatch-sample
// cycle every stepEvery until ctx is cancelled (the pipeline it was
// built around has been replaced or the process is shutting down).
func runStepLoop(ctx context.Context, co *coordinator.Coordinator, stepEvery time.Duration) {
	ticker := time.NewTicker(stepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := co.Step(now); err != nil {
				slog.Error("coordinator: step failed", "error", err)
			}
		}
	}
}

func loadCoordinatorConfig(path string) (transformer.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return transformer.Config{}, fmt.Errorf("coordinator: read config: %w", err)
	}
	var cfg transformer.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return transformer.Config{}, fmt.Errorf("coordinator: decode config: %w", err)
	}
	return cfg, nil
}
