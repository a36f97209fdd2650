// registrar.go implements the worker side of spec.md §4.8's
// registration handshake and heartbeat: `register_client`/`init_model`
// against the coordinator's HTTP surface, then a periodic `/health`
// ping with retry-backoff reconnection on a missed beat. Grounded on
// the teacher's server/download.go retry loop (`newBackoff`'s
// n²-with-jitter delay, `for try := 0; try < maxRetries; try++`),
// retargeted from blob-download retries to registration retries.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RegisterReply is the coordinator's response to `/register_client`
// (spec.md §6).
type RegisterReply struct {
	PPRank   int    `json:"pp_rank"`
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
	Model    string `json:"model"`
	Msg      string `json:"msg"`
}

// Registrar is a worker's HTTP client for the coordinator's
// membership surface: it registers, finalizes via init_model, and
// heartbeats /health on a timer, reconnecting with backoff on miss.
type Registrar struct {
	CoordinatorURL string
	ClientID       string
	Host           string
	Port           int
	HTTP           *http.Client
}

// NewRegistrar builds a Registrar with a sane default HTTP timeout.
func NewRegistrar(coordinatorURL, clientID, host string, port int) *Registrar {
	return &Registrar{CoordinatorURL: coordinatorURL, ClientID: clientID, Host: host, Port: port, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// Register calls `POST /register_client`, optionally carrying an
// explicit prior assignment (ppRank >= 0) for a reconnecting worker.
func (r *Registrar) Register(ppRank, startIdx, endIdx int) (RegisterReply, error) {
	body := map[string]any{"client_id": r.ClientID, "host": r.Host, "port": r.Port}
	if ppRank >= 0 {
		body["pp_rank"] = ppRank
		body["start_idx"] = startIdx
		body["end_idx"] = endIdx
	}
	var reply RegisterReply
	if err := r.postJSON("/register_client", body, &reply); err != nil {
		return RegisterReply{}, err
	}
	return reply, nil
}

// InitModel calls `POST /init_model`, finalizing the assignment
// Register returned.
func (r *Registrar) InitModel(ppRank, startIdx, endIdx int) error {
	body := map[string]any{"client_id": r.ClientID, "pp_rank": ppRank, "start_idx": startIdx, "end_idx": endIdx}
	return r.postJSON("/init_model", body, nil)
}

func (r *Registrar) postJSON(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cluster: marshal %s: %w", path, err)
	}
	resp, err := r.HTTP.Post(r.CoordinatorURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cluster: %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("cluster: decode %s reply: %w", path, err)
		}
	}
	return nil
}

// Healthy calls `GET /health`, reporting whether the coordinator
// answered 200.
func (r *Registrar) Healthy() bool {
	resp, err := r.HTTP.Get(r.CoordinatorURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// RunHeartbeat pings /health every pingInterval. On a missed beat it
// attempts up to maxRetryAttempts reconnections (re-running reconnect)
// with an attempt²×10ms backoff (no jitter) capped at retryDelay between
// attempts; if every attempt fails it logs and resumes the normal
// ping cadence rather than giving up permanently (spec.md §4.8:
// "workers ping the coordinator every ping_interval; on miss, workers
// attempt up to max_retry_attempts reconnections with retry_delay
// backoff"). Blocks until ctx is cancelled.
func (r *Registrar) RunHeartbeat(ctx context.Context, pingInterval time.Duration, maxRetryAttempts int, retryDelay time.Duration, reconnect func() error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Healthy() {
				continue
			}
			slog.Warn("cluster: missed heartbeat, attempting to reconnect", "client_id", r.ClientID)
			if err := r.retryReconnect(ctx, maxRetryAttempts, retryDelay, reconnect); err != nil {
				slog.Error("cluster: reconnect attempts exhausted", "client_id", r.ClientID, "error", err)
			} else {
				slog.Info("cluster: reconnected", "client_id", r.ClientID)
			}
		}
	}
}

func (r *Registrar) retryReconnect(ctx context.Context, maxAttempts int, maxBackoff time.Duration, reconnect func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := reconnect(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		delay := min(time.Duration(attempt*attempt)*10*time.Millisecond, maxBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("cluster: %d reconnect attempts failed: %w", maxAttempts, lastErr)
}
