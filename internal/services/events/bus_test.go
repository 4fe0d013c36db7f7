package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/models"
)

func TestPublishAssignsMonotonicSequences(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	first, err := bus.Publish("job_a", models.EventPhaseStarted, map[string]string{"phase": "understand"})
	require.NoError(t, err)
	second, err := bus.Publish("job_a", models.EventProgress, nil)
	require.NoError(t, err)

	// Sequences are per job, not global.
	other, err := bus.Publish("job_b", models.EventPhaseStarted, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(1), other.Sequence)
}

func TestSubscribeReplaysHistoryThenFollows(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	_, err := bus.Publish("job_a", models.EventPhaseStarted, nil)
	require.NoError(t, err)
	_, err = bus.Publish("job_a", models.EventProgress, nil)
	require.NoError(t, err)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = bus.Publish("job_a", models.EventPhaseEnded, nil)
	require.NoError(t, err)

	kinds := []models.EventKind{}
	for i := 0; i < 3; i++ {
		ev := <-sub.C()
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.EventKind{models.EventPhaseStarted, models.EventProgress, models.EventPhaseEnded}, kinds)
}

func TestSubscribeSinceSkipsSeenEvents(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	for i := 0; i < 3; i++ {
		_, err := bus.Publish("job_a", models.EventProgress, nil)
		require.NoError(t, err)
	}

	sub, err := bus.Subscribe("job_a", 2)
	require.NoError(t, err)
	defer sub.Cancel()

	ev := <-sub.C()
	assert.Equal(t, uint64(3), ev.Sequence)
}

func TestTerminalEventClosesStream(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	_, err = bus.Publish("job_a", models.EventCompleted, nil)
	require.NoError(t, err)

	ev, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, models.EventCompleted, ev.Kind)

	_, ok = <-sub.C()
	assert.False(t, ok, "channel must close after a terminal event")
}

func TestLateSubscriberSeesTerminalHistory(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	_, err := bus.Publish("job_a", models.EventFailed, nil)
	require.NoError(t, err)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	ev, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, models.EventFailed, ev.Kind)

	_, ok = <-sub.C()
	assert.False(t, ok)
}

func TestSlowSubscriberDroppedWithLaggedMarker(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 2)
	defer bus.Close()

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	// Queue size is 2: the third publish overflows and drops the subscriber.
	for i := 0; i < 3; i++ {
		_, err := bus.Publish("job_a", models.EventProgress, nil)
		require.NoError(t, err)
	}

	var last models.JobEvent
	for ev := range sub.C() {
		last = ev
	}
	assert.Equal(t, models.EventLagged, last.Kind)
	assert.Equal(t, uint64(3), last.Sequence, "lagged marker carries the high-water sequence")

	// Reconnecting from the last seen sequence recovers the stream.
	resub, err := bus.Subscribe("job_a", 1)
	require.NoError(t, err)
	defer resub.Cancel()

	ev := <-resub.C()
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestHistoryAndRelease(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), 8)
	defer bus.Close()

	_, err := bus.Publish("job_a", models.EventPhaseStarted, nil)
	require.NoError(t, err)
	_, err = bus.Publish("job_a", models.EventCompleted, nil)
	require.NoError(t, err)

	history := bus.History("job_a", 0)
	require.Len(t, history, 2)

	bus.Release("job_a")
	assert.Empty(t, bus.History("job_a", 0))
}
