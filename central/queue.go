package central

import (
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueueConfig controls retry bookkeeping. Zero values fall back to the
// defaults in NewQueue.
type QueueConfig struct {
	// MaxRetries is the retry ceiling; reaching it makes an item failed
	// for good.
	MaxRetries int
	// BaseRetryDelay seeds the exponential backoff: the k-th failure
	// schedules the next attempt BaseRetryDelay * 2^k from now. Growth is
	// deliberately uncapped.
	BaseRetryDelay time.Duration
	// ClaimTTL is how long an exclusive claim survives before another
	// drainer may reclaim the rows (covers drainers that died mid-batch).
	ClaimTTL time.Duration
	Debug    bool
}

// Queue is the central durable queue: pending detections for covert nodes,
// persisted with retry bookkeeping. Rows are never deleted; completed and
// failed items stay behind for audit.
type Queue struct {
	db  *gorm.DB
	cfg QueueConfig
	now func() time.Time
}

func NewQueue(db *gorm.DB, cfg QueueConfig) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	return &Queue{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

func (q *Queue) debugf(format string, args ...any) {
	if q == nil || !q.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Enqueue inserts a pending item. The first attempt is gated one base delay
// out so a burst of queued work does not hammer the processor immediately.
func (q *Queue) Enqueue(nodeID uint, payload []byte) (uint, error) {
	now := q.now()
	next := now.Add(q.cfg.BaseRetryDelay)
	item := QueueItem{
		NodeID:        nodeID,
		Payload:       string(payload),
		Status:        ItemPending,
		RetryCount:    0,
		NextAttemptAt: &next,
		CreatedAt:     now,
	}
	if err := q.db.Create(&item).Error; err != nil {
		return 0, err
	}
	return item.ID, nil
}

// DequeuePending returns the node's pending items in creation order.
//
// With exclusive set, rows are claimed with a single conditional UPDATE
// carrying a fresh claim token, then read back by token. Two concurrent
// drainers partition the pending set: the second UPDATE skips everything the
// first one claimed, without blocking. Claims left behind by a dead drainer
// expire after ClaimTTL and become claimable again.
func (q *Queue) DequeuePending(nodeID uint, exclusive bool) ([]QueueItem, error) {
	if !exclusive {
		var items []QueueItem
		err := q.db.Where("node_id = ? AND status = ?", nodeID, ItemPending).
			Order("created_at asc, id asc").
			Find(&items).Error
		return items, err
	}
	return q.claim(nodeID, false)
}

func (q *Queue) claim(nodeID uint, eligibleOnly bool) ([]QueueItem, error) {
	now := q.now()
	claim := uuid.NewString()
	stale := now.Add(-q.cfg.ClaimTTL)

	tx := q.db.Model(&QueueItem{}).
		Where("node_id = ? AND status = ?", nodeID, ItemPending).
		Where("claim_token = '' OR claimed_at < ?", stale)
	if eligibleOnly {
		tx = tx.Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now)
	}
	res := tx.Updates(map[string]any{"claim_token": claim, "claimed_at": &now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return []QueueItem{}, nil
	}

	var items []QueueItem
	err := q.db.Where("claim_token = ?", claim).
		Order("created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	q.debugf("claimed %d pending items node=%d claim=%s", len(items), nodeID, claim)
	return items, nil
}

// MarkCompleted is terminal: the item is done and keeps its row for history.
func (q *Queue) MarkCompleted(itemID uint) error {
	now := q.now()
	return q.db.Model(&QueueItem{}).Where("id = ?", itemID).
		Updates(map[string]any{
			"status":       ItemCompleted,
			"processed_at": &now,
			"claim_token":  "",
		}).Error
}

// MarkFailed bumps the retry counter. Below the ceiling the item stays
// pending with the next attempt pushed out exponentially; at the ceiling it
// becomes failed for good and is never dequeued again.
func (q *Queue) MarkFailed(itemID uint) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var item QueueItem
		if err := tx.First(&item, itemID).Error; err != nil {
			return err
		}

		item.RetryCount++
		updates := map[string]any{
			"retry_count": item.RetryCount,
			"claim_token": "",
		}
		if item.RetryCount >= q.cfg.MaxRetries {
			updates["status"] = ItemFailed
			updates["next_attempt_at"] = nil
			q.debugf("item %d failed permanently after %d attempts", item.ID, item.RetryCount)
		} else {
			next := q.now().Add(q.cfg.BaseRetryDelay * time.Duration(1<<item.RetryCount))
			updates["status"] = ItemPending
			updates["next_attempt_at"] = &next
		}
		return tx.Model(&item).Updates(updates).Error
	})
}

// ProcessFunc handles one claimed item. A nil handler accepts everything;
// the real transmission work for edge-queued items lives in the burst
// reconciliation path, not here.
type ProcessFunc func(item QueueItem) error

// ProcessPending attempts every pending item whose backoff window has
// elapsed. Handler errors are absorbed into MarkFailed calls; one bad item
// never aborts the pass.
func (q *Queue) ProcessPending(nodeID uint, handler ProcessFunc) (processed int, err error) {
	items, err := q.claim(nodeID, true)
	if err != nil {
		return 0, err
	}

	for _, item := range items {
		var herr error
		if handler != nil {
			herr = handler(item)
		}
		if herr != nil {
			q.debugf("process item=%d err=%v", item.ID, herr)
			if err := q.MarkFailed(item.ID); err != nil {
				return processed, err
			}
			continue
		}
		if err := q.MarkCompleted(item.ID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Stats counts items grouped by status across all nodes.
func (q *Queue) Stats() (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.Model(&QueueItem{}).
		Select("status, count(id) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}
