package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/mux"
	"github.com/junsooki/shar/internal/pipeline"
	"github.com/junsooki/shar/internal/session"
	"github.com/junsooki/shar/internal/transport"
)

// StatusResponse represents the response body for the status endpoint
type StatusResponse struct {
	HostID    string          `json:"hostId"`
	StreamID  string          `json:"streamId"`
	Advertise string          `json:"advertise"`
	Pipeline  pipeline.Status `json:"pipeline"`
	Mux       mux.Stats       `json:"mux"`
	Sessions  int             `json:"sessions"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// QualityRequest represents the request body for the quality endpoint
type QualityRequest struct {
	Quality int `json:"quality" binding:"required,min=1,max=100"`
}

// StatusHandler handles GET /api/v1/status requests
func (s *Server) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		HostID:    s.deps.HostID,
		StreamID:  s.deps.StreamID,
		Advertise: s.deps.Advertise,
		Pipeline:  s.deps.Pipeline.Status(),
		Mux:       s.deps.Mux.Stats(),
		Sessions:  s.deps.Registry.Len(),
	})
}

// SessionsHandler handles GET /api/v1/sessions requests
func (s *Server) SessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.Snapshot())
}

// EvictHandler handles DELETE /api/v1/sessions/:id requests
func (s *Server) EvictHandler(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Registry.Remove(id, session.ReasonEvicted) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown session " + id})
		return
	}
	c.Status(http.StatusNoContent)
}

// KeyframeHandler handles POST /api/v1/keyframe requests
func (s *Server) KeyframeHandler(c *gin.Context) {
	s.deps.Pipeline.RequestKeyframe()
	c.Status(http.StatusAccepted)
}

// QualityHandler handles PUT /api/v1/quality requests
func (s *Server) QualityHandler(c *gin.Context) {
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.deps.Pipeline.SetQuality(req.Quality)
	c.JSON(http.StatusOK, s.deps.Pipeline.Status())
}

// OfferHandler handles POST /api/v1/offer requests
func (s *Server) OfferHandler(c *gin.Context) {
	if s.deps.Answerer == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "webrtc disabled"})
		return
	}
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "expected an SDP offer"})
		return
	}
	answer, err := s.deps.Answerer.Answer(s.connCtx, c.Request.Context(), offer)
	if err != nil {
		s.log.Warn("offer failed", "err", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, answer)
}

// WebSocketHandler handles GET /ws upgrades. The connection is served by
// the stream handler until the session ends.
func (s *Server) WebSocketHandler(c *gin.Context) {
	if s.deps.Stream == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "websocket disabled"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", "err", err)
		return
	}
	s.deps.Stream(s.connCtx, transport.NewWSConn(ws))
}
