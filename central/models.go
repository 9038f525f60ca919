package central

import "time"

// Node lifecycle states. Transitions are owned by the Coordinator and the
// stuck-node janitor; nobody else writes nodes.status.
const (
	StateNormal   = "normal"
	StateCovert   = "covert"
	StateResuming = "resuming"
)

// Queue item states. A failed item is terminal and never retried again.
const (
	ItemPending   = "pending"
	ItemCompleted = "completed"
	ItemFailed    = "failed"
)

type Node struct {
	ID            uint       `gorm:"primaryKey"`
	NodeID        string     `gorm:"uniqueIndex;size:128"`
	Status        string     `gorm:"index;size:16"` // normal, covert, resuming
	LastHeartbeat *time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// BlackoutEpisode is one activation->deactivation cycle. DeactivatedAt null
// means the episode is still open; at most one open episode exists per node.
type BlackoutEpisode struct {
	ID                    uint       `gorm:"primaryKey"`
	NodeID                uint       `gorm:"index"`
	ActivatedAt           time.Time  `gorm:"index"`
	DeactivatedAt         *time.Time `gorm:"index"`
	ActivatedBy           string     `gorm:"size:128"`
	Reason                string     `gorm:"type:text"`
	DurationSeconds       int64
	DetectionsQueued      int
	DetectionsTransmitted int
}

func (BlackoutEpisode) TableName() string { return "blackout_episodes" }

// QueueItem holds one detection that could not be stored directly. Rows are
// never deleted; completed and failed items are kept for audit.
type QueueItem struct {
	ID            uint   `gorm:"primaryKey"`
	NodeID        uint   `gorm:"index"`
	Payload       string `gorm:"type:text"` // opaque serialized detection
	Status        string `gorm:"index;size:16"`
	RetryCount    int
	NextAttemptAt *time.Time `gorm:"index"`
	ClaimToken    string     `gorm:"index;size:36"`
	ClaimedAt     *time.Time
	CreatedAt     time.Time `gorm:"index"`
	ProcessedAt   *time.Time
}

// Detection is the direct-store path: payload persisted as-is when the owning
// node is not covert, or replayed out of the queue after deactivation.
type Detection struct {
	ID         uint      `gorm:"primaryKey"`
	NodeID     uint      `gorm:"index"`
	Payload    string    `gorm:"type:text"`
	ReceivedAt time.Time `gorm:"index"`
	Replayed   bool      `gorm:"index"` // true when recovered from the queue
}
