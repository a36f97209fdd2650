// Package rpcwire implements the worker RPC transport of spec.md §6:
// Forward and SetConfig carried over HTTP, with the packed tensor
// payload as a JSON "shape header" plus a raw-bytes body, exactly as
// the spec literally describes. Grounded in the teacher's gin-based
// server package (gin.Engine router, gin-contrib/cors middleware,
// server/routes.go's GenerateRoutes/Serve shape) and in
// ml.Tensor.Bytes/FromBytes for the wire payload (tensor.Tensor.Bytes/
// FromBytes here). HTTP+gin was chosen over gRPC because gRPC is not
// among the teacher's own dependencies — only an indirect dependency
// elsewhere in the pack — and this runtime sticks to the teacher's own
// transport stack rather than introducing one the corpus doesn't show.
package rpcwire

import (
	"fmt"

	"github.com/latticerun/lattice/tensor"
)

// TensorHeader is the JSON header preceding a packed tensor's raw
// bytes on the wire: its dtype and shape, enough to reconstruct a
// tensor.Tensor from the body that follows.
type TensorHeader struct {
	DType tensor.DType `json:"dtype"`
	Shape []int        `json:"shape"`
}

// ForwardRequest is the JSON header of a worker Forward RPC call
// (spec.md §6): request ids and segment lengths in parallel, plus the
// packed activation tensor's header. It travels in the X-Tensor-Header
// HTTP header; the raw tensor bytes (see Encode/Decode) are the whole
// HTTP body rather than inline JSON, to avoid base64-inflating what is typically megabytes of activation
// data per hop.
type ForwardRequest struct {
	RequestIDs     []string     `json:"request_ids"`
	SegmentLengths []int        `json:"segment_lengths"`
	Hidden         TensorHeader `json:"hidden_states"`
}

// ForwardReply is the worker's response: the resulting packed
// activations (again header-plus-raw-bytes) and the step's wall-clock
// cost.
type ForwardReply struct {
	Hidden     TensorHeader `json:"hidden_states"`
	CostTimeMS float64      `json:"cost_time_ms"`
}

// CopyPrefixRequest asks a worker to duplicate one request's cached
// layers onto a new request id — the n-samples path (spec.md §2). Not
// one of spec.md §6's two named worker RPCs, but required for the
// "per-worker CacheManager... n-samples via KV-prefix copy" design
// note to actually be reachable over the wire rather than only
// in-process.
type CopyPrefixRequest struct {
	SourceRequestID string `json:"source_request_id"`
	DestRequestID   string `json:"dest_request_id"`
}

// EvictRequest asks a worker to best-effort delete one request's
// cache entry immediately, regardless of TTL — the worker side of
// cancellation (spec.md §5: "the coordinator... issues a best-effort
// delete to each worker that holds its cache").
type EvictRequest struct {
	RequestID string `json:"request_id"`
}

// SetConfigRequest reconfigures a worker's downstream target and rank
// (spec.md §6: "SetConfig(forward_url, master_url, pp_rank)").
type SetConfigRequest struct {
	ForwardURL string `json:"forward_url"`
	MasterURL  string `json:"master_url"`
	PPRank     int    `json:"pp_rank"`
}

// wireDType is the dtype every packed tensor on the wire uses unless a
// header says otherwise — bf16, matching the teacher's typical
// runtime precision and spec.md §6's "packed-bf16-tensor".
const wireDType = tensor.DTypeBF16

// Encode splits a Tensor into its JSON header and raw-bytes body, the
// two pieces an HTTP handler writes as a multipart-free
// header-then-body stream (header length is framed by the HTTP layer
// itself via Content-Length on the body segment; see server.go).
func Encode(t tensor.Tensor) (TensorHeader, []byte) {
	return TensorHeader{DType: wireDType, Shape: t.Shape}, t.Bytes(wireDType)
}

// Decode reconstructs a Tensor from a header and its raw-bytes body.
func Decode(h TensorHeader, body []byte) (tensor.Tensor, error) {
	want := 1
	for _, s := range h.Shape {
		want *= s
	}
	if want < 0 {
		return tensor.Tensor{}, fmt.Errorf("rpcwire: invalid shape %v", h.Shape)
	}
	return tensor.FromBytes(body, h.DType, h.Shape...), nil
}
