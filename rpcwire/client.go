package rpcwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/latticerun/lattice/tensor"
)

// Client is the coordinator-side caller of a worker's Forward and
// SetConfig RPCs, one per worker in the pipeline path. Grounded in the
// same header-plus-raw-bytes wire shape as Server; there is no
// connection pooling concern beyond what http.Client already gives,
// matching the teacher's habit of using the standard library's
// http.Client directly rather than a custom transport.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://10.0.0.2:9000")
// with a default per-hop timeout matching spec.md §4.8's "each hop RPC
// has a timeout (default 100 s)".
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 100 * time.Second}}
}

// Forward issues one hop of the pipeline: POST the packed batch's
// header and activation bytes to /forward, decode the reply.
func (c *Client) Forward(requestIDs []string, segmentLengths []int, hidden tensor.Tensor) (tensor.Tensor, float64, error) {
	header, body := Encode(hidden)
	reqHeader, err := json.Marshal(ForwardRequest{
		RequestIDs:     requestIDs,
		SegmentLengths: segmentLengths,
		Hidden:         header,
	})
	if err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: marshal header: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/forward", bytes.NewReader(body))
	if err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: build request: %w", err)
	}
	httpReq.Header.Set("X-Tensor-Header", string(reqHeader))
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: forward %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: read reply body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: worker %s returned %d: %s", c.BaseURL, resp.StatusCode, string(respBody))
	}

	var reply ForwardReply
	if err := json.Unmarshal([]byte(resp.Header.Get("X-Tensor-Header")), &reply); err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("rpcwire: unmarshal reply header: %w", err)
	}

	out, err := Decode(reply.Hidden, respBody)
	if err != nil {
		return tensor.Tensor{}, 0, err
	}
	return out, reply.CostTimeMS, nil
}

// CopyPrefix issues a CopyPrefix RPC to the worker at BaseURL.
func (c *Client) CopyPrefix(sourceRequestID, destRequestID string) error {
	payload, err := json.Marshal(CopyPrefixRequest{SourceRequestID: sourceRequestID, DestRequestID: destRequestID})
	if err != nil {
		return fmt.Errorf("rpcwire: marshal copy_prefix: %w", err)
	}
	resp, err := c.HTTP.Post(c.BaseURL+"/copy_prefix", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rpcwire: copy_prefix %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rpcwire: worker %s copy_prefix returned %d: %s", c.BaseURL, resp.StatusCode, string(body))
	}
	return nil
}

// Evict issues a best-effort cache-delete RPC for requestID to the
// worker at BaseURL, ahead of its TTL — used on request cancellation.
func (c *Client) Evict(requestID string) error {
	payload, err := json.Marshal(EvictRequest{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("rpcwire: marshal evict: %w", err)
	}
	resp, err := c.HTTP.Post(c.BaseURL+"/evict", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rpcwire: evict %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rpcwire: worker %s evict returned %d: %s", c.BaseURL, resp.StatusCode, string(body))
	}
	return nil
}

// SetConfig issues a SetConfig RPC to the worker at BaseURL.
func (c *Client) SetConfig(req SetConfigRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpcwire: marshal set_config: %w", err)
	}
	resp, err := c.HTTP.Post(c.BaseURL+"/set_config", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rpcwire: set_config %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rpcwire: worker %s set_config returned %d: %s", c.BaseURL, resp.StatusCode, string(body))
	}
	return nil
}
