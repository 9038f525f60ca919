package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"
)

// Transmitter delivers one queued payload to the center. Implementations
// return a *PermanentError for failures that retrying cannot fix.
type Transmitter interface {
	Transmit(ctx context.Context, payload json.RawMessage) error
}

// Completer closes the loop with the lifecycle coordinator once a burst
// finishes.
type Completer interface {
	Complete(ctx context.Context, transmittedCount int) error
}

// PermanentError marks a delivery failure that must not be retried, e.g. the
// center rejecting the payload outright.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// BurstConfig shapes one reconciliation pass. Zero values fall back to the
// defaults in normalize.
type BurstConfig struct {
	// BatchSize items are sent back to back, then the pass pauses for
	// BatchPause before the next batch, to avoid overwhelming the center
	// right after it regains the node.
	BatchSize  int
	BatchPause time.Duration
	// MaxAttempts bounds per-item delivery tries; between tries the pass
	// sleeps BackoffBase^attempt seconds.
	MaxAttempts int
	BackoffBase float64
	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

func (cfg BurstConfig) normalize() BurstConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2
	}
	if cfg.sleep == nil {
		cfg.sleep = time.Sleep
	}
	return cfg
}

// BurstResult is the outcome of one reconciliation pass. Status is "success"
// only when nothing failed; partial delivery is an expected outcome, not an
// error, so failed ids come back to the caller instead of an error return.
type BurstResult struct {
	Status         string   `json:"status"` // success, partial
	Total          int      `json:"total"`
	TransmittedIDs []uint64 `json:"transmitted_ids"`
	FailedIDs      []uint64 `json:"failed_ids"`
}

// TransmitBurst sends queued items to the center in fixed-size batches with
// per-item bounded retry. Transient failures back off and retry; permanent
// failures stop retrying that item immediately. Items keep their relative
// order on the wire even though failures may drop some of them.
func TransmitBurst(ctx context.Context, items []QueuedDetection, tx Transmitter, cfg BurstConfig, logger *slog.Logger) *BurstResult {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	result := &BurstResult{
		Status:         "success",
		Total:          len(items),
		TransmittedIDs: []uint64{},
		FailedIDs:      []uint64{},
	}
	if len(items) == 0 {
		return result
	}

	logger.Info("burst transmission start", "total", len(items), "batch_size", cfg.BatchSize)

	for start := 0; start < len(items); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		for _, item := range items[start:end] {
			if err := transmitOne(ctx, item, tx, cfg, logger); err != nil {
				result.FailedIDs = append(result.FailedIDs, item.ID)
				continue
			}
			result.TransmittedIDs = append(result.TransmittedIDs, item.ID)
		}

		if end < len(items) {
			cfg.sleep(cfg.BatchPause)
		}
	}

	if len(result.FailedIDs) > 0 {
		result.Status = "partial"
		logger.Warn("burst transmission incomplete",
			"transmitted", len(result.TransmittedIDs),
			"failed", len(result.FailedIDs))
	} else {
		logger.Info("burst transmission complete", "transmitted", len(result.TransmittedIDs))
	}
	return result
}

func transmitOne(ctx context.Context, item QueuedDetection, tx Transmitter, cfg BurstConfig, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = tx.Transmit(ctx, item.Payload)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			logger.Error("detection rejected", "id", item.ID, "error", err)
			return err
		}
		logger.Warn("detection transmit failed", "id", item.ID, "attempt", attempt, "error", err)
		if attempt < cfg.MaxAttempts {
			cfg.sleep(time.Duration(math.Pow(cfg.BackoffBase, float64(attempt))) * time.Second)
		}
	}
	return err
}

// Reconcile is the full burst-reconciliation pass run when a node exits
// blackout: transmit everything, mark confirmed items transmitted, purge
// them from the local store, and notify the coordinator so it can close the
// episode and release the node. The completion callback is best-effort; a
// node whose callback never lands is unwedged later by the center's janitor.
func Reconcile(ctx context.Context, store *Store, items []QueuedDetection, tx Transmitter, completer Completer, episodeID uint, cfg BurstConfig, logger *slog.Logger) (*BurstResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	result := TransmitBurst(ctx, items, tx, cfg, logger)

	if len(result.TransmittedIDs) > 0 {
		if err := store.MarkTransmitted(result.TransmittedIDs); err != nil {
			return result, err
		}
		purged, err := store.PurgeTransmitted()
		if err != nil {
			return result, err
		}
		logger.Info("purged transmitted detections", "purged", purged)
	}

	if completer != nil && episodeID != 0 {
		if err := completer.Complete(ctx, len(result.TransmittedIDs)); err != nil {
			logger.Error("completion callback failed", "episode_id", episodeID, "error", err)
		}
	}
	return result, nil
}
