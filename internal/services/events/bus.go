package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
)

// subscription is one consumer of a job stream. Events are pushed into a
// bounded channel; the extra slot is reserved for the lagged marker so a
// slow consumer always learns it was dropped.
type subscription struct {
	ch     chan models.JobEvent
	bus    *Bus
	jobID  string
	once   sync.Once
	closed bool
}

func (s *subscription) C() <-chan models.JobEvent {
	return s.ch
}

func (s *subscription) Cancel() {
	s.bus.unsubscribe(s.jobID, s)
}

// stream holds one job's ordered event log and its live subscribers.
// Streams live until the bus is told to release them; events are not
// persisted across restarts.
type stream struct {
	sequence uint64
	history  []models.JobEvent
	subs     map[*subscription]struct{}
}

// Bus is the in-process event bus. Publication assigns each job a
// strictly increasing sequence; subscribers replay history past the
// sequence they last saw and then follow live emissions in order.
type Bus struct {
	mu        sync.Mutex
	streams   map[string]*stream
	queueSize int
	logger    arbor.ILogger
	closed    bool
}

// NewBus creates an event bus with the given per-subscriber queue size.
func NewBus(logger arbor.ILogger, queueSize int) interfaces.EventBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		streams:   make(map[string]*stream),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (b *Bus) Publish(jobID string, kind models.EventKind, payload interface{}) (models.JobEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return models.JobEvent{}, models.WrapError(models.KindInternal, err, "marshal event payload")
		}
		raw = data
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return models.JobEvent{}, models.NewError(models.KindInternal, "event bus is closed")
	}

	st := b.streams[jobID]
	if st == nil {
		st = &stream{subs: make(map[*subscription]struct{})}
		b.streams[jobID] = st
	}

	st.sequence++
	event := models.JobEvent{
		JobID:     jobID,
		Sequence:  st.sequence,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	st.history = append(st.history, event)

	for sub := range st.subs {
		b.deliver(st, sub, event)
	}

	if kind.IsTerminal() {
		for sub := range st.subs {
			sub.close()
		}
		st.subs = make(map[*subscription]struct{})
	}

	return event, nil
}

// deliver pushes an event to one subscriber, dropping it with a lagged
// marker when its queue is full. Caller holds b.mu.
func (b *Bus) deliver(st *stream, sub *subscription, event models.JobEvent) {
	if sub.closed {
		return
	}
	if len(sub.ch) >= b.queueSize {
		b.logger.Warn().Str("job_id", event.JobID).Int("sequence", int(event.Sequence)).Msg("Dropping lagged event subscriber")
		sub.lag(event.JobID, st.sequence)
		delete(st.subs, sub)
		return
	}
	sub.ch <- event
}

func (b *Bus) Subscribe(jobID string, sinceSequence uint64) (interfaces.EventSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, models.NewError(models.KindInternal, "event bus is closed")
	}

	st := b.streams[jobID]
	if st == nil {
		st = &stream{subs: make(map[*subscription]struct{})}
		b.streams[jobID] = st
	}

	sub := &subscription{
		// One extra slot so the lagged marker always fits.
		ch:    make(chan models.JobEvent, b.queueSize+1),
		bus:   b,
		jobID: jobID,
	}

	var pending []models.JobEvent
	terminal := false
	for _, ev := range st.history {
		if ev.Sequence > sinceSequence {
			pending = append(pending, ev)
			if ev.Kind.IsTerminal() {
				terminal = true
			}
		}
	}

	if len(pending) > b.queueSize {
		// The backlog alone overflows the queue: hand back a lagged
		// marker so the caller can reconnect from a newer sequence.
		sub.lag(jobID, st.sequence)
		return sub, nil
	}

	for _, ev := range pending {
		sub.ch <- ev
	}
	if terminal {
		sub.close()
		return sub, nil
	}

	st.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) History(jobID string, sinceSequence uint64) []models.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[jobID]
	if st == nil {
		return nil
	}

	var out []models.JobEvent
	for _, ev := range st.history {
		if ev.Sequence > sinceSequence {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Bus) Release(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[jobID]
	if st == nil {
		return
	}
	for sub := range st.subs {
		sub.close()
	}
	delete(b.streams, jobID)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for jobID, st := range b.streams {
		for sub := range st.subs {
			sub.close()
		}
		delete(b.streams, jobID)
	}
	return nil
}

func (b *Bus) unsubscribe(jobID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.streams[jobID]; st != nil {
		delete(st.subs, sub)
	}
	sub.close()
}

// close seals the subscription channel exactly once. Caller holds b.mu.
func (s *subscription) close() {
	s.once.Do(func() {
		s.closed = true
		close(s.ch)
	})
}

// lag pushes the terminal lagged marker and seals the channel.
func (s *subscription) lag(jobID string, sequence uint64) {
	s.once.Do(func() {
		s.closed = true
		s.ch <- models.JobEvent{
			JobID:     jobID,
			Sequence:  sequence,
			Kind:      models.EventLagged,
			Timestamp: time.Now().UTC(),
		}
		close(s.ch)
	})
}
