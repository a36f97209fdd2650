package coordinator

import (
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/latticerun/lattice/cluster"
	"github.com/latticerun/lattice/request"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server is the coordinator's client-facing HTTP surface: membership
// registration (spec.md §6: `/register_client`, `/init_model`), a
// liveness probe, and — since something must feed already-tokenized
// requests into the core even though the text-level chat surface is
// an external collaborator's concern (spec.md §1 Non-goals) — a
// minimal token-id-in/token-id-out submission route. Grounded in the
// same gin.Engine/cors.Config/GenerateRoutes shape as rpcwire.Server
// and the teacher's server/routes.go before it.
type Server struct {
	addr        net.Addr
	membership  *cluster.Membership
	coordinator atomic.Pointer[Coordinator]
	heartbeat   atomic.Pointer[cluster.HeartbeatMonitor]
}

// NewServer builds a Server around membership. coordinator may be nil
// for a membership-only deployment (e.g. a test harness that drives
// Coordinator.Step directly, or a process still waiting for
// FindContinuousPath to succeed); the /requests routes then answer
// 503 until AttachCoordinator is called.
func NewServer(membership *cluster.Membership, coordinator *Coordinator) *Server {
	s := &Server{membership: membership}
	if coordinator != nil {
		s.coordinator.Store(coordinator)
	}
	return s
}

// AttachCoordinator makes co available to the /requests routes,
// replacing whatever was previously attached. Safe to call while
// GenerateRoutes' handler is already serving traffic.
func (s *Server) AttachCoordinator(co *Coordinator) {
	s.coordinator.Store(co)
}

// AttachHeartbeat makes hb available to the registration handlers, so
// a client's register_client/init_model calls count as a heartbeat
// touch in addition to Membership.PingAll's periodic liveness poll.
func (s *Server) AttachHeartbeat(hb *cluster.HeartbeatMonitor) {
	s.heartbeat.Store(hb)
}

// GenerateRoutes builds the gin handler for every coordinator-facing
// route.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowOrigins = []string{"*"}

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/register_client", s.registerClientHandler)
	r.POST("/init_model", s.initModelHandler)
	r.POST("/requests", s.submitRequestHandler)
	r.GET("/requests/:id", s.getRequestHandler)
	r.DELETE("/requests/:id", s.cancelRequestHandler)

	return r
}

type submitRequestRequest struct {
	RequestID      string   `json:"request_id"`
	PromptTokenIDs []int32  `json:"prompt_token_ids"`
	EOSTokenIDs    []int32  `json:"eos_token_ids"`
	Temperature    float32  `json:"temperature"`
	TopK           int      `json:"top_k"`
	TopP           float32  `json:"top_p"`
	MinP           float32  `json:"min_p"`
	MaxNewTokens   int      `json:"max_new_tokens"`
	NSamples       int      `json:"n_samples"`
	StopSequences  []string `json:"stop_sequences"`
	Seed           int64    `json:"seed"`
}

// submitRequestHandler accepts one already-tokenized request (spec.md
// §6's "Request outputs" structure, mirrored on the way in): a prompt
// as token ids plus sampling_params. Tokenization/detokenization and
// any chat template are an external collaborator's job (spec.md §1
// Non-goals); this route only ever sees/returns token ids.
func (s *Server) submitRequestHandler(c *gin.Context) {
	co := s.coordinator.Load()
	if co == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordinator not attached"})
		return
	}
	var req submitRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id is required"})
		return
	}

	r := request.New(req.RequestID, req.PromptTokenIDs, request.SamplingParams{
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MinP:          req.MinP,
		MaxNewTokens:  req.MaxNewTokens,
		NSamples:      req.NSamples,
		StopSequences: req.StopSequences,
		Seed:          req.Seed,
	}, req.EOSTokenIDs, time.Now())

	co.Submit(r)
	c.JSON(http.StatusAccepted, gin.H{"request_id": r.RequestID, "status": "pending"})
}

// getRequestHandler polls a submitted request's current Output
// snapshot (spec.md §6's "Request outputs").
func (s *Server) getRequestHandler(c *gin.Context) {
	co := s.coordinator.Load()
	if co == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordinator not attached"})
		return
	}
	r, ok := co.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": request.ErrUnknownRequest.Error()})
		return
	}
	out := r.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"request_id":       out.RequestID,
		"prompt_token_ids": out.PromptTokenIDs,
		"done":             r.IsStop(),
		"completions":      out.Completions,
	})
}

// cancelRequestHandler cancels a still-live request (spec.md §5): the
// coordinator marks it failed and best-effort evicts its cache entry
// on every worker.
func (s *Server) cancelRequestHandler(c *gin.Context) {
	co := s.coordinator.Load()
	if co == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordinator not attached"})
		return
	}
	co.Cancel(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type registerClientRequest struct {
	ClientID string `json:"client_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	PPRank   *int   `json:"pp_rank"`
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
}

// registerClientHandler implements spec.md §6's `POST /register_client`:
// `{client_id, host, optional pp_rank/start_idx/end_idx}` ->
// `{pp_rank, start_idx, end_idx, model, msg}`.
func (s *Server) registerClientHandler(c *gin.Context) {
	var req registerClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ppRank := -1
	if req.PPRank != nil {
		ppRank = *req.PPRank
	}

	client, err := s.membership.RegisterClient(req.ClientID, req.Host, req.Port, ppRank, req.StartIdx, req.EndIdx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if hb := s.heartbeat.Load(); hb != nil {
		hb.Touch(req.ClientID, time.Now())
	}

	c.JSON(http.StatusOK, gin.H{
		"pp_rank":   client.PPRank,
		"start_idx": client.StartIdx,
		"end_idx":   client.EndIdx,
		"model":     "", // populated by a deployment-specific model registry; out of scope here
		"msg":       fmt.Sprintf("registered %s at pp_rank %d", req.ClientID, client.PPRank),
	})
}

type initModelRequest struct {
	ClientID string `json:"client_id"`
	PPRank   int    `json:"pp_rank"`
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
}

// initModelHandler implements spec.md §6's `POST /init_model`:
// `{client_id, pp_rank, start_idx, end_idx}` -> `{msg, status}`.
func (s *Server) initModelHandler(c *gin.Context) {
	var req initModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.membership.InitClient(req.ClientID, req.PPRank, req.StartIdx, req.EndIdx); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if hb := s.heartbeat.Load(); hb != nil {
		hb.Touch(req.ClientID, time.Now())
	}

	c.JSON(http.StatusOK, gin.H{"msg": "initialized", "status": "ok"})
}

// Serve starts the coordinator's client-facing HTTP server on ln.
func Serve(ln net.Listener, membership *cluster.Membership, co *Coordinator) error {
	s := NewServer(membership, co)
	s.addr = ln.Addr()
	return http.Serve(ln, s.GenerateRoutes())
}
