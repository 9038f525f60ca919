package central

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// Coordinator owns node lifecycle state and the blackout episode audit log.
// It is stateless over an injected store handle; all coordination between
// concurrent callers happens in the database, not in-process.
type Coordinator struct {
	db    *gorm.DB
	queue *Queue
	debug bool
	now   func() time.Time
}

func NewCoordinator(db *gorm.DB, queue *Queue) *Coordinator {
	return &Coordinator{
		db:    db,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) SetDebug(debug bool) { c.debug = debug }

func (c *Coordinator) debugf(format string, args ...any) {
	if c == nil || !c.debug {
		return
	}
	log.Printf(format, args...)
}

// RegisterNode creates the node row on first contact, or refreshes the
// heartbeat of an already known node.
func (c *Coordinator) RegisterNode(nodeID string) (*Node, error) {
	now := c.now()
	var node Node
	err := c.db.Where("node_id = ?", nodeID).First(&node).Error
	if err == nil {
		node.LastHeartbeat = &now
		if err := c.db.Model(&node).Update("last_heartbeat", &now).Error; err != nil {
			return nil, err
		}
		return &node, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	node = Node{NodeID: nodeID, Status: StateNormal, LastHeartbeat: &now, CreatedAt: now}
	if err := c.db.Create(&node).Error; err != nil {
		return nil, err
	}
	c.debugf("registered node %q", nodeID)
	return &node, nil
}

func (c *Coordinator) Heartbeat(nodeID string) error {
	now := c.now()
	res := c.db.Model(&Node{}).Where("node_id = ?", nodeID).Update("last_heartbeat", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return nil
}

func (c *Coordinator) findNode(tx *gorm.DB, nodeID string) (*Node, error) {
	var node Node
	err := tx.Where("node_id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Activate opens a blackout episode and flips the node to covert. The status
// write is conditional on the current state so that two racing activations
// cannot both open an episode.
func (c *Coordinator) Activate(nodeID, operator, reason string) (*BlackoutEpisode, error) {
	var episode BlackoutEpisode
	err := c.db.Transaction(func(tx *gorm.DB) error {
		node, err := c.findNode(tx, nodeID)
		if err != nil {
			return err
		}
		if node.Status == StateCovert {
			return fmt.Errorf("%w: %s", ErrAlreadyActive, nodeID)
		}
		res := tx.Model(&Node{}).
			Where("id = ? AND status <> ?", node.ID, StateCovert).
			Update("status", StateCovert)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyActive, nodeID)
		}
		episode = BlackoutEpisode{
			NodeID:      node.ID,
			ActivatedAt: c.now(),
			ActivatedBy: operator,
			Reason:      reason,
		}
		return tx.Create(&episode).Error
	})
	if err != nil {
		return nil, err
	}
	c.debugf("blackout activated node=%q episode=%d", nodeID, episode.ID)
	return &episode, nil
}

// DeactivationSummary is what the operator gets back when closing an episode.
type DeactivationSummary struct {
	NodeID           string    `json:"node_id"`
	EpisodeID        uint      `json:"episode_id"`
	ActivatedAt      time.Time `json:"activated_at"`
	DeactivatedAt    time.Time `json:"deactivated_at"`
	DurationSeconds  int64     `json:"duration_seconds"`
	DetectionsQueued int       `json:"detections_queued"`
}

// Deactivate closes the open episode and moves the node to resuming. The
// caller is expected to drain the node's queued items afterwards; the node
// stays resuming until Complete runs (or the janitor gives up waiting).
func (c *Coordinator) Deactivate(nodeID string) (*DeactivationSummary, error) {
	var summary DeactivationSummary
	err := c.db.Transaction(func(tx *gorm.DB) error {
		node, err := c.findNode(tx, nodeID)
		if err != nil {
			return err
		}
		if node.Status != StateCovert {
			return fmt.Errorf("%w: %s (status=%s)", ErrNotActive, nodeID, node.Status)
		}

		var episode BlackoutEpisode
		err = tx.Where("node_id = ? AND deactivated_at IS NULL", node.ID).
			Order("activated_at desc").
			First(&episode).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNoOpenEpisode, nodeID)
		}
		if err != nil {
			return err
		}

		now := c.now()
		// Stored activation times can come back zone-naive from the driver;
		// normalize to UTC before subtracting.
		duration := int64(now.Sub(episode.ActivatedAt.UTC()).Seconds())
		if err := tx.Model(&episode).Updates(map[string]any{
			"deactivated_at":   &now,
			"duration_seconds": duration,
		}).Error; err != nil {
			return err
		}

		res := tx.Model(&Node{}).
			Where("id = ? AND status = ?", node.ID, StateCovert).
			Update("status", StateResuming)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotActive, nodeID)
		}

		summary = DeactivationSummary{
			NodeID:           nodeID,
			EpisodeID:        episode.ID,
			ActivatedAt:      episode.ActivatedAt,
			DeactivatedAt:    now,
			DurationSeconds:  duration,
			DetectionsQueued: episode.DetectionsQueued,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.debugf("blackout deactivated node=%q episode=%d duration=%ds", nodeID, summary.EpisodeID, summary.DurationSeconds)
	return &summary, nil
}

// Complete records the transmitted count on the most recently closed episode
// and releases the node back to normal. This is the terminal step of burst
// reconciliation. It is not guarded against double invocation; a second call
// overwrites the count and leaves the node normal.
func (c *Coordinator) Complete(nodeID string, transmittedCount int) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		node, err := c.findNode(tx, nodeID)
		if err != nil {
			return err
		}

		var episode BlackoutEpisode
		err = tx.Where("node_id = ? AND deactivated_at IS NOT NULL", node.ID).
			Order("deactivated_at desc").
			First(&episode).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			if err := tx.Model(&episode).
				Update("detections_transmitted", transmittedCount).Error; err != nil {
				return err
			}
		}

		return tx.Model(&Node{}).Where("id = ?", node.ID).
			Update("status", StateNormal).Error
	})
}

// BlackoutStatus describes a node's blackout state at call time. State is
// one of "node_not_found", "inactive", "active". Duration is live, computed
// at call time rather than stored.
type BlackoutStatus struct {
	State            string     `json:"status"`
	NodeStatus       string     `json:"node_status,omitempty"`
	EpisodeID        uint       `json:"episode_id,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds,omitempty"`
	DetectionsQueued int        `json:"detections_queued,omitempty"`
	ActivatedBy      string     `json:"activated_by,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

func (c *Coordinator) Status(nodeID string) (*BlackoutStatus, error) {
	var node Node
	err := c.db.Where("node_id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &BlackoutStatus{State: "node_not_found"}, nil
	}
	if err != nil {
		return nil, err
	}

	if node.Status != StateCovert {
		return &BlackoutStatus{State: "inactive", NodeStatus: node.Status}, nil
	}

	var episode BlackoutEpisode
	err = c.db.Where("node_id = ? AND deactivated_at IS NULL", node.ID).
		Order("activated_at desc").
		First(&episode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: node %s covert without open episode", ErrNoOpenEpisode, nodeID)
	}
	if err != nil {
		return nil, err
	}

	activatedAt := episode.ActivatedAt
	return &BlackoutStatus{
		State:            "active",
		NodeStatus:       node.Status,
		EpisodeID:        episode.ID,
		ActivatedAt:      &activatedAt,
		DurationSeconds:  int64(c.now().Sub(activatedAt.UTC()).Seconds()),
		DetectionsQueued: episode.DetectionsQueued,
		ActivatedBy:      episode.ActivatedBy,
		Reason:           episode.Reason,
	}, nil
}

// RecoveredNode reports one node force-released from the resuming state.
type RecoveredNode struct {
	NodeID        string    `json:"node_id"`
	EpisodeID     uint      `json:"episode_id"`
	DeactivatedAt time.Time `json:"deactivated_at"`
	StuckMinutes  int64     `json:"stuck_duration_minutes"`
}

// RecoverStuck force-sets nodes wedged in resuming back to normal when their
// most recent closed episode ended longer than timeout ago. Safe to run
// repeatedly and concurrently; the status write is conditional, so a racing
// Complete or a second janitor pass simply finds nothing to do.
func (c *Coordinator) RecoverStuck(timeout time.Duration) ([]RecoveredNode, error) {
	now := c.now()
	threshold := now.Add(-timeout)

	var stuck []Node
	if err := c.db.Where("status = ?", StateResuming).Find(&stuck).Error; err != nil {
		return nil, err
	}

	recovered := []RecoveredNode{}
	for _, node := range stuck {
		var episode BlackoutEpisode
		err := c.db.Where("node_id = ? AND deactivated_at IS NOT NULL", node.ID).
			Order("deactivated_at desc").
			First(&episode).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !episode.DeactivatedAt.UTC().Before(threshold) {
			continue
		}

		res := c.db.Model(&Node{}).
			Where("id = ? AND status = ?", node.ID, StateResuming).
			Update("status", StateNormal)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue // released by someone else meanwhile
		}

		c.debugf("recovered stuck node=%q episode=%d", node.NodeID, episode.ID)
		recovered = append(recovered, RecoveredNode{
			NodeID:        node.NodeID,
			EpisodeID:     episode.ID,
			DeactivatedAt: episode.DeactivatedAt.UTC(),
			StuckMinutes:  int64(now.Sub(episode.DeactivatedAt.UTC()).Minutes()),
		})
	}
	return recovered, nil
}

// IngestResult tells the producer what happened to its detection.
type IngestResult struct {
	Queued      bool `json:"queued"`
	QueueItemID uint `json:"queue_item_id,omitempty"`
	DetectionID uint `json:"detection_id,omitempty"`
}

// IngestDetection is the ingestion path's single interaction with the core:
// queue the payload and bump the open episode's queued count when the node
// is covert, store it directly otherwise.
func (c *Coordinator) IngestDetection(nodeID string, payload []byte) (*IngestResult, error) {
	node, err := c.findNode(c.db, nodeID)
	if err != nil {
		return nil, err
	}

	if node.Status == StateCovert {
		itemID, err := c.queue.Enqueue(node.ID, payload)
		if err != nil {
			return nil, err
		}
		if err := c.db.Model(&BlackoutEpisode{}).
			Where("node_id = ? AND deactivated_at IS NULL", node.ID).
			Update("detections_queued", gorm.Expr("detections_queued + 1")).Error; err != nil {
			return nil, err
		}
		c.debugf("queued detection node=%q item=%d", nodeID, itemID)
		return &IngestResult{Queued: true, QueueItemID: itemID}, nil
	}

	detection := Detection{NodeID: node.ID, Payload: string(payload), ReceivedAt: c.now()}
	if err := c.db.Create(&detection).Error; err != nil {
		return nil, err
	}
	return &IngestResult{DetectionID: detection.ID}, nil
}

// DrainNodeQueue claims the node's pending items and replays each payload
// into the detections table. One item's failure never aborts the batch; it
// is converted into a MarkFailed call and the drain moves on.
func (c *Coordinator) DrainNodeQueue(nodeID string) (replayed, failed int, err error) {
	node, err := c.findNode(c.db, nodeID)
	if err != nil {
		return 0, 0, err
	}

	items, err := c.queue.DequeuePending(node.ID, true)
	if err != nil {
		return 0, 0, err
	}

	for _, item := range items {
		detection := Detection{
			NodeID:     item.NodeID,
			Payload:    item.Payload,
			ReceivedAt: c.now(),
			Replayed:   true,
		}
		if err := c.db.Create(&detection).Error; err != nil {
			c.debugf("replay failed node=%q item=%d err=%v", nodeID, item.ID, err)
			if ferr := c.queue.MarkFailed(item.ID); ferr != nil {
				return replayed, failed, ferr
			}
			failed++
			continue
		}
		if err := c.queue.MarkCompleted(item.ID); err != nil {
			return replayed, failed, err
		}
		replayed++
	}
	c.debugf("drained node=%q replayed=%d of %d", nodeID, replayed, len(items))
	return replayed, failed, nil
}

// ProcessQueues is the background sweep: for every node no longer covert it
// attempts the pending items whose backoff window has elapsed, replaying
// them into the detections table. It can run alongside an API-triggered
// drain for the same node; the queue's claims keep the two from processing
// the same item twice.
func (c *Coordinator) ProcessQueues() error {
	var nodes []Node
	if err := c.db.Where("status <> ?", StateCovert).Find(&nodes).Error; err != nil {
		return err
	}
	for _, node := range nodes {
		nodeID := node.ID
		_, err := c.queue.ProcessPending(nodeID, func(item QueueItem) error {
			return c.db.Create(&Detection{
				NodeID:     item.NodeID,
				Payload:    item.Payload,
				ReceivedAt: c.now(),
				Replayed:   true,
			}).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// EpisodeRecord is an episode joined with its node's string id, for the
// audit/dashboard listing.
type EpisodeRecord struct {
	ID                    uint       `json:"id"`
	NodeID                string     `json:"node_id"`
	ActivatedAt           time.Time  `json:"activated_at"`
	DeactivatedAt         *time.Time `json:"deactivated_at"`
	ActivatedBy           string     `json:"activated_by,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	DurationSeconds       int64      `json:"duration_seconds"`
	DetectionsQueued      int        `json:"detections_queued"`
	DetectionsTransmitted int        `json:"detections_transmitted"`
}

// ListEpisodes returns open and closed episodes most-recent-first, optionally
// filtered to one node.
func (c *Coordinator) ListEpisodes(nodeID string) ([]EpisodeRecord, error) {
	q := c.db.Table("blackout_episodes").
		Select("blackout_episodes.*, nodes.node_id as node_string_id").
		Joins("JOIN nodes ON nodes.id = blackout_episodes.node_id").
		Order("blackout_episodes.activated_at desc")
	if nodeID != "" {
		q = q.Where("nodes.node_id = ?", nodeID)
	}

	var rows []struct {
		BlackoutEpisode
		NodeStringID string
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]EpisodeRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, EpisodeRecord{
			ID:                    row.ID,
			NodeID:                row.NodeStringID,
			ActivatedAt:           row.ActivatedAt,
			DeactivatedAt:         row.DeactivatedAt,
			ActivatedBy:           row.ActivatedBy,
			Reason:                row.Reason,
			DurationSeconds:       row.DurationSeconds,
			DetectionsQueued:      row.DetectionsQueued,
			DetectionsTransmitted: row.DetectionsTransmitted,
		})
	}
	return records, nil
}
