// Package api serves the host's HTTP surface: operator status and
// session management, WebRTC offers and the WebSocket stream endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/mux"
	"github.com/junsooki/shar/internal/pipeline"
	"github.com/junsooki/shar/internal/session"
	"github.com/junsooki/shar/internal/transport"
)

// Pipeline is the part of the pipeline the API controls.
type Pipeline interface {
	Status() pipeline.Status
	RequestKeyframe()
	SetQuality(q int)
}

// Answerer answers WebRTC offers. ctx bounds the resulting connection,
// reqCtx the exchange itself.
type Answerer interface {
	Answer(ctx, reqCtx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
}

// Deps are the host components behind the API.
type Deps struct {
	HostID    string
	StreamID  string
	Advertise string
	Registry  *session.Registry
	Mux       *mux.Mux
	Pipeline  Pipeline
	Answerer  Answerer          // nil disables POST /offer
	Stream    transport.Handler // serves WebSocket viewers, nil disables /ws
}

// Server represents the API server
type Server struct {
	addr     string
	deps     Deps
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      *slog.Logger

	// connCtx bounds viewer connections accepted through the API.
	connCtx context.Context
}

// NewServer creates a new API server instance
func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		addr:   addr,
		deps:   deps,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     slog.With("component", "api"),
		connCtx: context.Background(),
	}
	router.Use(gin.Recovery())
	router.Use(s.logRequests)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.StatusHandler)
		v1.GET("/sessions", s.SessionsHandler)
		v1.DELETE("/sessions/:id", s.EvictHandler)
		v1.POST("/keyframe", s.KeyframeHandler)
		v1.PUT("/quality", s.QualityHandler)
		v1.POST("/offer", s.OfferHandler)
	}
	s.router.GET("/ws", s.WebSocketHandler)
}

// Handler returns the HTTP handler (for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully. Viewer
// connections accepted through the API live until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.connCtx = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("API listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"latency", time.Since(start),
	)
}
