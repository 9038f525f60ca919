package central

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the coordinator and queue behind the HTTP surface. Handlers
// hold no state of their own; everything durable lives in the store.
type Server struct {
	coord   *Coordinator
	queue   *Queue
	metrics *Metrics
}

func NewServer(coord *Coordinator, queue *Queue, metrics *Metrics) *Server {
	return &Server{coord: coord, queue: queue, metrics: metrics}
}

// Router builds the gin engine. The prometheus registry is exposed on
// /metrics when gatherer is non-nil.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.POST("/nodes/register", s.handleRegister)
		api.POST("/nodes/:node_id/heartbeat", s.handleHeartbeat)
		api.GET("/nodes/:node_id/status", s.handleNodeStatus)
		api.POST("/detections", s.handleIngest)
		api.POST("/blackout/activate", s.handleActivate)
		api.POST("/blackout/deactivate", s.handleDeactivate)
		api.POST("/nodes/:node_id/blackout/complete", s.handleComplete)
		api.GET("/nodes/:node_id/blackout/status", s.handleBlackoutStatus)
		api.GET("/blackout/events", s.handleListEpisodes)
		api.POST("/admin/recover-stuck", s.handleRecoverStuck)
		api.GET("/queue/stats", s.handleQueueStats)
	}
	return router
}

// writeError maps the coordinator's error kinds onto status codes:
// unknown node is 404, precondition violations are 409, everything else
// is a storage failure.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrNotActive), errors.Is(err, ErrNoOpenEpisode):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		NodeID string `json:"node_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, err := s.coord.RegisterNode(req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": node.NodeID, "status": node.Status})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.coord.Heartbeat(c.Param("node_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleNodeStatus(c *gin.Context) {
	status, err := s.coord.Status(c.Param("node_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if status.State == "node_not_found" {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": c.Param("node_id"), "node_status": status.NodeStatus})
}

func (s *Server) handleIngest(c *gin.Context) {
	var req struct {
		NodeID  string          `json:"node_id" binding:"required"`
		Payload json.RawMessage `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.coord.IngestDetection(req.NodeID, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Queued {
		s.metrics.DetectionsIngested.WithLabelValues("queued").Inc()
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "queue_item_id": result.QueueItemID})
		return
	}
	s.metrics.DetectionsIngested.WithLabelValues("stored").Inc()
	c.JSON(http.StatusCreated, gin.H{"queued": false, "detection_id": result.DetectionID})
}

func (s *Server) handleActivate(c *gin.Context) {
	var req struct {
		NodeID   string `json:"node_id" binding:"required"`
		Operator string `json:"operator_id"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	episode, err := s.coord.Activate(req.NodeID, req.Operator, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.BlackoutActivations.Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":       "blackout_activated",
		"node_id":      req.NodeID,
		"episode_id":   episode.ID,
		"activated_at": episode.ActivatedAt,
	})
}

// handleDeactivate closes the episode and drains the centrally queued items
// for the node in the same logical operation. The node stays resuming until
// the edge's reconciliation completes (or the janitor times it out).
func (s *Server) handleDeactivate(c *gin.Context) {
	var req struct {
		NodeID string `json:"node_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	summary, err := s.coord.Deactivate(req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	replayed, failed, err := s.coord.DrainNodeQueue(req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.BlackoutClosures.Inc()
	s.metrics.QueueItemsReplayed.Add(float64(replayed))
	s.metrics.QueueItemsFailed.Add(float64(failed))
	c.JSON(http.StatusOK, gin.H{
		"status":          "blackout_deactivated",
		"summary":         summary,
		"replayed":        replayed,
		"replay_failures": failed,
	})
}

func (s *Server) handleComplete(c *gin.Context) {
	var req struct {
		TransmittedCount int `json:"transmitted_count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.Complete(c.Param("node_id"), req.TransmittedCount); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumption_complete"})
}

func (s *Server) handleBlackoutStatus(c *gin.Context) {
	status, err := s.coord.Status(c.Param("node_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListEpisodes(c *gin.Context) {
	episodes, err := s.coord.ListEpisodes(c.Query("node_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": episodes})
}

func (s *Server) handleRecoverStuck(c *gin.Context) {
	var req struct {
		TimeoutMinutes int `json:"timeout_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TimeoutMinutes <= 0 {
		req.TimeoutMinutes = 5
	}
	recovered, err := s.coord.RecoverStuck(time.Duration(req.TimeoutMinutes) * time.Minute)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.NodesRecovered.Add(float64(len(recovered)))
	c.JSON(http.StatusOK, gin.H{"recovered": recovered, "count": len(recovered)})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.queue.Stats()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": stats})
}
