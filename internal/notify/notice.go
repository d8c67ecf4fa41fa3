package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultInboxSize caps the notices held for one user; older ones are dropped.
const DefaultInboxSize = 50

type Kind string

const (
	KindInsufficientWatch  Kind = "insufficient_watch"
	KindRateViolation      Kind = "rate_violation"
	KindIntegrityViolation Kind = "integrity_violation"
	KindCompletionSuccess  Kind = "completion_success"
	KindPersistenceFailure Kind = "persistence_failure"
	KindPlayerError        Kind = "player_error"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action is a follow-up the UI can offer next to a notice.
type Action struct {
	Kind  string `json:"kind"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

const (
	ActionRetry        = "retry"
	ActionOpenOriginal = "open_original"
)

type Notice struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Level     Level     `json:"level"`
	VideoID   string    `json:"videoId,omitempty"`
	Message   string    `json:"message"`
	Actions   []Action  `json:"actions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Inbox holds undelivered notices per user.
type Inbox struct {
	clock clockwork.Clock
	max   int

	mu     sync.Mutex
	byUser map[string][]Notice
}

func NewInbox(max int, clock clockwork.Clock) *Inbox {
	if max <= 0 {
		max = DefaultInboxSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Inbox{clock: clock, max: max, byUser: make(map[string][]Notice)}
}

// Push stores n for userID, assigning an id and timestamp when missing, and
// returns the stored notice.
func (b *Inbox) Push(userID string, n Notice) Notice {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = b.clock.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	queue := append(b.byUser[userID], n)
	if over := len(queue) - b.max; over > 0 {
		queue = append([]Notice(nil), queue[over:]...)
	}
	b.byUser[userID] = queue
	return n
}

// Drain returns and forgets every pending notice for userID, oldest first.
func (b *Inbox) Drain(userID string) []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.byUser[userID]
	delete(b.byUser, userID)
	if queue == nil {
		return []Notice{}
	}
	return queue
}

func (b *Inbox) Pending(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byUser[userID])
}
