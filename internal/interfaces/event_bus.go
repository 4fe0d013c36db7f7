package interfaces

import (
	"github.com/ternarybob/skillforge/internal/models"
)

// EventSubscription is one subscriber's view of a job stream. Events
// arrive on C in emission order; the channel is closed after a terminal
// or lagged event, or on Cancel.
type EventSubscription interface {
	C() <-chan models.JobEvent
	Cancel()
}

// EventBus delivers ordered per-job events to zero or more subscribers.
// Sequence numbers are monotonic per job; a subscription replays history
// past since_sequence and then follows new emissions. Subscribers that
// fall behind the high-water mark are dropped with a terminal lagged
// event and may reconnect with the last sequence they saw.
type EventBus interface {
	Publish(jobID string, kind models.EventKind, payload interface{}) (models.JobEvent, error)
	Subscribe(jobID string, sinceSequence uint64) (EventSubscription, error)
	History(jobID string, sinceSequence uint64) []models.JobEvent
	// Release drops a job's stream state. Streams are retained until the
	// job is terminal; events are not persisted across restarts.
	Release(jobID string)
	Close() error
}
