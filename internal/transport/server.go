package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/contextkeys"
	"github.com/inflo-ai/relay/internal/directory"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/handoff"
	"github.com/inflo-ai/relay/internal/memory"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
	"github.com/inflo-ai/relay/pkg/version"
)

// Server is the JSON-RPC and event-stream frontend for the relay core.
type Server struct {
	cfg         config.ServerConfig
	auth        *Authenticator
	memory      memory.Manager
	coordinator *handoff.Coordinator
	directory   *directory.Registry
	scheduler   *consolidate.Scheduler
	bus         events.Bus
	hub         *Hub
	logger      *observability.TracedLogger

	table map[string]method
	http  *http.Server
}

// NewServer wires the RPC frontend over the core components. The hub may
// be nil when the event stream endpoint is not wanted (tests).
func NewServer(cfg config.ServerConfig, auth *Authenticator, mgr memory.Manager,
	coordinator *handoff.Coordinator, registry *directory.Registry,
	scheduler *consolidate.Scheduler, bus events.Bus, hub *Hub,
	logger *observability.TracedLogger) *Server {

	s := &Server{
		cfg:         cfg,
		auth:        auth,
		memory:      mgr,
		coordinator: coordinator,
		directory:   registry,
		scheduler:   scheduler,
		bus:         bus,
		hub:         hub,
		logger:      logger.WithComponent("transport"),
	}
	s.table = s.methods()
	return s
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())

	router.GET("/healthz", s.handleHealthz)

	authed := router.Group("/", s.auth.Middleware())
	authed.POST("/rpc", s.handleRPC)
	if s.hub != nil {
		authed.GET("/events", s.hub.handleSubscribe)
	}

	return router
}

// Start runs the HTTP server until the context is cancelled, then drains
// in-flight requests within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "rpc server listening", "addr", addr, "version", version.Version)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return types.WrapError(types.UNAVAILABLE, "rpc server failed", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "rpc server shutdown failed", err)
	}
	s.logger.Info(context.Background(), "rpc server stopped")
	return nil
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(contextkeys.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx := c.Request.Context()
	tiers := s.memory.Health(ctx)
	healthy := true
	for _, status := range tiers {
		if !status.IsHealthy() {
			healthy = false
			break
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy,
		"tiers":   tiers,
		"version": version.Version,
	})
}

// handleRPC decodes and dispatches one JSON-RPC call. Notifications (no
// id) are executed and acknowledged with 204 regardless of outcome, which
// is what fire-and-forget semantics require.
func (s *Server) handleRPC(c *gin.Context) {
	ctx := c.Request.Context()
	caller, ok := contextkeys.Caller(ctx)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identity missing"})
		return
	}

	var req Request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		c.JSON(http.StatusOK, errorResponse(req.ID, codeInvalidRequest, "invalid JSON-RPC 2.0 request"))
		return
	}

	resp := s.dispatch(ctx, caller, req)
	if req.Notification() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}
