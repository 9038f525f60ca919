package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server is the on-node HTTP surface: detections come in on /detect and are
// either forwarded to the center or queued locally, depending on the local
// blackout flag. Deactivation runs the full reconciliation pass inline.
type Server struct {
	ctrl   *Controller
	store  *Store
	client *CenterClient
	burst  BurstConfig
	log    *slog.Logger
}

func NewServer(ctrl *Controller, store *Store, client *CenterClient, burst BurstConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctrl: ctrl, store: store, client: client, burst: burst, log: logger}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/detect", s.handleDetect)
	router.POST("/blackout/activate", s.handleActivate)
	router.POST("/blackout/deactivate", s.handleDeactivate)
	router.GET("/blackout/status", s.handleStatus)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	queued, err := s.ctrl.GetQueuedCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"blackout_active": s.ctrl.Active(),
		"queued_count":    queued,
	})
}

func (s *Server) handleDetect(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.ctrl.Active() {
		id, err := s.ctrl.QueueDetection(payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status":          "queued",
			"queue_id":        id,
			"blackout_active": true,
		})
		return
	}

	if err := s.client.Transmit(c.Request.Context(), payload); err != nil {
		s.log.Error("forward to center failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "transmitted"})
}

func (s *Server) handleActivate(c *gin.Context) {
	var req struct {
		EpisodeID uint `json:"episode_id"`
	}
	// Body is optional; a node can go dark without center coordination.
	_ = c.ShouldBindJSON(&req)

	if s.ctrl.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": "blackout already active"})
		return
	}
	s.ctrl.Activate(req.EpisodeID)
	status, err := s.ctrl.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "blackout_activated", "activated_at": status.ActivatedAt})
}

func (s *Server) handleDeactivate(c *gin.Context) {
	if !s.ctrl.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": "blackout not active"})
		return
	}

	items, episodeID, err := s.ctrl.Deactivate()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// The burst can outlive the request's own deadline; reconciliation
	// keeps running against a fresh context.
	result, err := Reconcile(context.Background(), s.store, items, s.client, s.client, episodeID, s.burst, s.log)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "burst": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "blackout_deactivated",
		"burst":  result,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.ctrl.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
