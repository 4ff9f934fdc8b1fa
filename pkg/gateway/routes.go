package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyland-inc/linkgate/pkg/auth"
	"github.com/tinyland-inc/linkgate/pkg/dispatch"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/session"
	"github.com/tinyland-inc/linkgate/pkg/utils"
)

type sendRequest struct {
	UserID  string   `json:"userId"`
	Numbers []string `json:"numbers"`
	Message string   `json:"message"`
}

type createRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": s.cfg.Version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "uptime": time.Since(s.started).String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", auth.RequireToken(s.cfg.APIToken))

	// Single-session routes act on the default identity.
	api.GET("/status", s.handleDefaultStatus)
	api.GET("/connect", s.handleConnect)
	api.GET("/qr", func(c *gin.Context) { s.writeQR(c, s.cfg.DefaultID) })
	api.POST("/send", s.handleSend)

	api.POST("/create-session", s.handleCreate)
	api.POST("/sessions", s.handleCreate)
	api.GET("/sessions", s.handleList)
	api.GET("/sessions/:id", s.handleSessionStatus)
	api.GET("/sessions/:id/qr", func(c *gin.Context) { s.writeQR(c, c.Param("id")) })
	api.POST("/sessions/:id/send", s.handleSessionSend)
	api.POST("/sessions/:id/logout", s.handleLogout)
	api.DELETE("/sessions/:id", s.handleDelete)
}

func (s *Server) handleDefaultStatus(c *gin.Context) {
	m, ok := s.registry.Get(s.cfg.DefaultID)
	if !ok {
		c.JSON(http.StatusOK, SessionStatus{ID: s.cfg.DefaultID, Status: StatusStarting})
		return
	}
	c.JSON(http.StatusOK, statusOf(m))
}

// handleConnect starts (or restarts after logout) the default session and
// returns its current status without waiting for pairing.
func (s *Server) handleConnect(c *gin.Context) {
	s.createAndRespond(c, s.cfg.DefaultID)
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	s.createAndRespond(c, req.UserID)
}

func (s *Server) createAndRespond(c *gin.Context, id string) {
	if err := utils.ValidateSessionID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.registry.GetOrCreate(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrRegistryClosed) {
			status = http.StatusServiceUnavailable
		}
		logger.ErrorCF("gateway", "Session creation failed", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusOf(m))
}

func (s *Server) handleList(c *gin.Context) {
	infos := s.registry.List()
	out := make([]SessionStatus, 0, len(infos))
	for _, info := range infos {
		if m, ok := s.registry.Get(info.ID); ok {
			out = append(out, statusOf(m))
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	m, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusOf(m))
}

func (s *Server) writeQR(c *gin.Context, id string) {
	m, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "QR not available"})
		return
	}
	ch, ok := m.PendingChallenge()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "QR not available"})
		return
	}
	url, err := QRDataURL(ch.Code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr": url, "issued_at": ch.IssuedAt})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Numbers and message are required"})
		return
	}
	id := req.UserID
	if id == "" {
		id = s.cfg.DefaultID
	}
	s.send(c, id, req)
}

func (s *Server) handleSessionSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Numbers and message are required"})
		return
	}
	s.send(c, c.Param("id"), req)
}

func (s *Server) send(c *gin.Context, id string, req sendRequest) {
	m, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": dispatch.ErrNotConnected.Error()})
		return
	}

	res, err := s.dispatch.Dispatch(c.Request.Context(), m, dispatch.Request{
		Recipients: req.Numbers,
		Body:       req.Message,
	})
	switch {
	case errors.Is(err, dispatch.ErrNotConnected), errors.Is(err, dispatch.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"request_id": res.RequestID,
			"results":    res.Entries,
		})
	}
}

func (s *Server) handleLogout(c *gin.Context) {
	m, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := m.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusOf(m))
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.registry.Remove(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "removed": true})
}

func (s *Server) lookup(c *gin.Context) (*session.Machine, bool) {
	m, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return m, true
}
