package edge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const detPrefix = "det/"

// QueuedDetection is one row of the on-node queue. IDs are monotonic, so
// badger's key order is insertion order.
type QueuedDetection struct {
	ID          uint64          `json:"id"`
	QueuedAt    time.Time       `json:"queued_at"`
	Payload     json.RawMessage `json:"payload"`
	Transmitted bool            `json:"transmitted"`
}

// StoreConfig configures the embedded queue store.
type StoreConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// InMemory skips disk persistence; used by tests.
	InMemory bool
	// SyncWrites trades throughput for durability. On for production:
	// a queued detection must survive losing power mid-blackout.
	SyncWrites bool
	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Store is the edge durable queue: detections produced during blackout,
// kept until confirmed transmitted and then physically deleted to bound
// storage on the node.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func OpenStore(cfg StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/detections"), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open detection sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func (s *Store) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

func detKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", detPrefix, id))
}

// Append stores one detection and returns its queue id.
func (s *Store) Append(payload []byte) (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, err
	}
	id := n + 1 // sequence starts at 0; keep 0 free as "no id"
	rec := QueuedDetection{
		ID:       id,
		QueuedAt: time.Now().UTC(),
		Payload:  json.RawMessage(payload),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(detKey(id), data)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// List returns queued detections in insertion order. With untransmittedOnly
// set, rows already confirmed delivered are skipped.
func (s *Store) List(untransmittedOnly bool) ([]QueuedDetection, error) {
	var out []QueuedDetection
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(detPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec QueuedDetection
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if untransmittedOnly && rec.Transmitted {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// MarkTransmitted flags the given ids as confirmed delivered. Unknown ids
// are ignored; the reconciliation pass may retry a partially purged set.
func (s *Store) MarkTransmitted(ids []uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(detKey(id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var rec QueuedDetection
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			rec.Transmitted = true
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := txn.Set(detKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeTransmitted physically deletes confirmed rows, bounding the queue's
// growth on the node. Returns how many rows were removed.
func (s *Store) PurgeTransmitted() (int, error) {
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(detPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec QueuedDetection
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if rec.Transmitted {
				victims = append(victims, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Count returns the number of queued rows, optionally only untransmitted.
func (s *Store) Count(untransmittedOnly bool) (int, error) {
	items, err := s.List(untransmittedOnly)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
