package edge

import (
	"log/slog"
	"sync"
	"time"
)

// Controller mirrors the center's blackout intent locally so each detection
// can be routed without a round trip: queue while covert, forward otherwise.
// One controller instance owns one node's local store; it is the only writer.
type Controller struct {
	store *Store
	log   *slog.Logger

	mu          sync.Mutex
	active      bool
	episodeID   uint
	activatedAt time.Time
	queuedCount int
}

func NewController(store *Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, log: logger}
}

// Activate flips the local blackout flag. episodeID is the center's episode
// id, kept for correlation when reconciliation completes; zero means the
// center was unreachable when blackout was ordered.
func (c *Controller) Activate(episodeID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.episodeID = episodeID
	c.activatedAt = time.Now().UTC()
	c.queuedCount = 0
	c.log.Info("blackout activated", "episode_id", episodeID)
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// QueueDetection appends the payload to the local queue. Every tenth queued
// item logs a milestone for operational visibility.
func (c *Controller) QueueDetection(payload []byte) (uint64, error) {
	id, err := c.store.Append(payload)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.queuedCount++
	count := c.queuedCount
	c.mu.Unlock()
	if count%10 == 0 {
		c.log.Info("blackout queue milestone", "queued", count)
	}
	return id, nil
}

// Deactivate flips the local flag off and returns all untransmitted items
// in insertion order, plus the episode id to correlate against the center.
// Items are NOT marked transmitted here; that happens only after confirmed
// delivery, so a crash between deactivation and reconciliation leaves the
// queue intact for a later pass.
func (c *Controller) Deactivate() ([]QueuedDetection, uint, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, 0, nil
	}
	episodeID := c.episodeID
	c.active = false
	c.activatedAt = time.Time{}
	c.mu.Unlock()

	items, err := c.store.List(true)
	if err != nil {
		return nil, episodeID, err
	}
	c.log.Info("blackout deactivated", "episode_id", episodeID, "queued", len(items))
	return items, episodeID, nil
}

func (c *Controller) GetQueuedCount() (int, error) {
	return c.store.Count(true)
}

// Status is the controller's read-only view for the on-node API.
type Status struct {
	Active         bool       `json:"active"`
	EpisodeID      uint       `json:"episode_id,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ElapsedSeconds int64      `json:"elapsed_seconds,omitempty"`
	QueuedCount    int        `json:"queued_count"`
}

func (c *Controller) GetStatus() (*Status, error) {
	queued, err := c.store.Count(true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	status := &Status{Active: c.active, QueuedCount: queued}
	if c.active {
		activatedAt := c.activatedAt
		status.EpisodeID = c.episodeID
		status.ActivatedAt = &activatedAt
		status.ElapsedSeconds = int64(time.Since(activatedAt).Seconds())
	}
	return status, nil
}
