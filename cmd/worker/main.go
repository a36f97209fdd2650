// Command worker runs one pipeline-parallel shard of a lattice model:
// it registers with a coordinator, serves the Forward/CopyPrefix/
// Evict/SetConfig RPCs of spec.md §6 over its own listener, and
// reconnects with backoff if its heartbeat lapses. Grounded on the
// teacher's cmd/cmd_serve.go RunServer/newServeCmd shape: a single
// cobra.Command parsing flags into a RunE that builds a net.Listener
// and hands it to a package-level Serve.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/latticerun/lattice/cluster"
	"github.com/latticerun/lattice/engine"
	"github.com/latticerun/lattice/envconfig"
	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/rpcwire"
	"github.com/latticerun/lattice/tensor"
	"github.com/latticerun/lattice/transformer"
)

func main() {
	if err := newWorkerCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newWorkerCmd() *cobra.Command {
	var (
		listen         string
		advertiseHost  string
		coordinatorURL string
		weightsPath    string
		configPath     string
		clientID       string
		tpWorld        int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a lattice pipeline-parallel worker shard",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetLogLoggerLevel(envconfig.LogLevel())
			if clientID == "" {
				clientID = uuid.NewString()
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("worker: listen %s: %w", listen, err)
			}
			advertisePort := ln.Addr().(*net.TCPAddr).Port

			registrar := cluster.NewRegistrar(coordinatorURL, clientID, advertiseHost, advertisePort)
			reply, err := registrar.Register(-1, 0, 0)
			if err != nil {
				return fmt.Errorf("worker: register with coordinator: %w", err)
			}
			if err := registrar.InitModel(reply.PPRank, reply.StartIdx, reply.EndIdx); err != nil {
				return fmt.Errorf("worker: init_model: %w", err)
			}
			slog.Info("worker registered", "client_id", clientID, "pp_rank", reply.PPRank, "layers", fmt.Sprintf("[%d,%d)", reply.StartIdx, reply.EndIdx))

			cfg, err := loadWorkerConfig(configPath, tpWorld)
			if err != nil {
				return err
			}

			source, err := transformer.LoadSafetensors(weightsPath)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}

			descriptor := transformer.NewModelDescriptor(cfg)
			loader := transformer.NewWeightLoader(source)
			pg := nn.NewProcessGroup(cfg.World)

			layerRange, err := transformer.NewLayerRange(descriptor, loader, reply.StartIdx, reply.EndIdx, pg)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}

			cache := kvcache.NewRequestsCache(layerRange.NumLayers(), cfg.NumKVHeads, cfg.HeadDim)
			manager := kvcache.NewCacheManager(cache, envconfig.MaxAliveTime())
			isFinal := reply.EndIdx == cfg.NumLayers
			worker := engine.NewWorker(tensor.CPUBackend{}, layerRange, manager, isFinal)
			defer worker.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go registrar.RunHeartbeat(ctx, envconfig.PingInterval(), envconfig.MaxRetryAttempts(), envconfig.RetryDelay(), func() error {
				_, err := registrar.Register(reply.PPRank, reply.StartIdx, reply.EndIdx)
				return err
			})

			configHolder := newConfigHolder()

			slog.Info("worker listening", "addr", ln.Addr(), "layers", fmt.Sprintf("[%d,%d)", reply.StartIdx, reply.EndIdx))
			return rpcwire.Serve(ln, worker, configHolder)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:9000", "address this worker's RPC server binds to")
	cmd.Flags().StringVar(&advertiseHost, "advertise-host", "127.0.0.1", "host the coordinator should dial back to reach this worker")
	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "http://127.0.0.1:8080", "coordinator base URL to register with")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "path to a .safetensors weight file for this shard")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON model config (transformer.Config fields)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "stable client id to present at registration (random if empty)")
	cmd.Flags().IntVar(&tpWorld, "tp-world", 1, "tensor-parallel degree within this worker")
	cmd.MarkFlagRequired("weights")
	cmd.MarkFlagRequired("config")

	return cmd
}

func loadWorkerConfig(path string, tpWorld int) (transformer.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return transformer.Config{}, fmt.Errorf("worker: read config: %w", err)
	}
	var cfg transformer.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return transformer.Config{}, fmt.Errorf("worker: decode config: %w", err)
	}
	cfg.World = tpWorld
	return cfg, nil
}

// configHolder implements rpcwire.ConfigSetter, recording the
// coordinator's most recent SetConfig RPC. Nothing in this runtime's
// dispatch path consumes it (the coordinator drives every hop
// directly, per spec.md §4.7 step 3), but the RPC itself is named in
// spec.md §6, so a worker must accept and record it rather than
// reject the call.
type configHolder struct {
	last rpcwire.SetConfigRequest
}

func newConfigHolder() *configHolder {
	return &configHolder{}
}

func (h *configHolder) SetConfig(req rpcwire.SetConfigRequest) {
	h.last = req
	slog.Info("worker: config updated", "forward_url", req.ForwardURL, "pp_rank", req.PPRank)
}
