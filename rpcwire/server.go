package rpcwire

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/latticerun/lattice/engine"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// ConfigSetter is what a worker process exposes for the SetConfig RPC
// (spec.md §6): the coordinator tells a late-joining or reconnecting
// worker where to forward its output and who the master is.
type ConfigSetter interface {
	SetConfig(req SetConfigRequest)
}

// Server is the worker's RPC listener: a gin.Engine exposing Forward,
// SetConfig, CopyPrefix and Evict, grounded in the teacher's
// Server{addr, sched, lowVRAM} struct and GenerateRoutes/Serve split
// (server/routes.go). Unlike the teacher there is no model-management
// surface here — spec.md §6 names two worker RPCs (Forward,
// SetConfig); CopyPrefix and Evict serve the n-samples and
// cancellation paths.
type Server struct {
	addr   net.Addr
	worker *engine.Worker
	config ConfigSetter
}

// NewServer builds a Server around worker, handing SetConfig calls to
// config.
func NewServer(worker *engine.Worker, config ConfigSetter) *Server {
	return &Server{worker: worker, config: config}
}

// GenerateRoutes mirrors the teacher's (*Server).GenerateRoutes: build
// CORS, a gin.Engine with HandleMethodNotAllowed set, and register
// every route before returning the handler.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Content-Type", "X-Request-Ids", "X-Segment-Lengths", "X-Tensor-Header"}
	corsConfig.AllowOrigins = []string{"*"}

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "lattice worker running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "lattice worker running") })
	r.POST("/forward", s.forwardHandler)
	r.POST("/set_config", s.setConfigHandler)
	r.POST("/copy_prefix", s.copyPrefixHandler)
	r.POST("/evict", s.evictHandler)

	return r
}

// forwardHandler decodes a ForwardRequest header from the
// X-Tensor-Header request header, the raw tensor bytes from the body, runs
// the worker step, and writes back the reply in the same
// header-then-body shape.
func (s *Server) forwardHandler(c *gin.Context) {
	var header ForwardRequest
	if err := json.Unmarshal([]byte(c.GetHeader("X-Tensor-Header")), &header); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("rpcwire: bad header: %v", err)})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("rpcwire: read body: %v", err)})
		return
	}

	hidden, err := Decode(header.Hidden, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.worker.Forward(engine.StepRequest{
		RequestIDs:     header.RequestIDs,
		SegmentLengths: header.SegmentLengths,
		Hidden:         hidden,
	}, time.Now())
	if err != nil {
		slog.Error("worker forward failed", "error", err, "request_ids", header.RequestIDs)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	outHeader, outBody := Encode(result.Hidden)
	replyHeader, err := json.Marshal(ForwardReply{Hidden: outHeader, CostTimeMS: result.CostTimeMS})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Tensor-Header", string(replyHeader))
	c.Data(http.StatusOK, "application/octet-stream", outBody)
}

func (s *Server) copyPrefixHandler(c *gin.Context) {
	var req CopyPrefixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.worker.CopyPrefix(req.SourceRequestID, req.DestRequestID, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// evictHandler best-effort deletes a request's cache entry ahead of
// its TTL, the worker side of cancellation.
func (s *Server) evictHandler(c *gin.Context) {
	var req EvictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.worker.Evict(req.RequestID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) setConfigHandler(c *gin.Context) {
	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.config.SetConfig(req)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Serve starts the worker RPC server on ln, mirroring the teacher's
// Serve(ln net.Listener) error bootstrap idiom.
func Serve(ln net.Listener, worker *engine.Worker, config ConfigSetter) error {
	s := &Server{addr: ln.Addr(), worker: worker, config: config}
	h := s.GenerateRoutes()
	slog.Info("worker rpc listening", "addr", ln.Addr())
	return http.Serve(ln, h)
}
