package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(capacity int) *Mux {
	return NewMux(config.StreamConfig{QueueCapacity: capacity, StaleTTLSeconds: 600})
}

func frame(idx, attempt, seq int, payload string) types.StreamFrame {
	return types.StreamFrame{SubtaskIndex: idx, Attempt: attempt, Seq: seq, Payload: payload}
}

func collect(t *testing.T, ch <-chan types.StreamFrame) []types.StreamFrame {
	t.Helper()
	var out []types.StreamFrame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestOrderPreservedWithinSubtask(t *testing.T) {
	m := newTestMux(64)
	m.Open("t1")

	for seq := 1; seq <= 5; seq++ {
		require.NoError(t, m.Publish("t1", frame(0, 1, seq, "a")))
	}
	require.NoError(t, m.Finish("t1", 0, 1, types.MarkerNone))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i+1, got[i].Seq)
		assert.False(t, got[i].Terminal)
	}
	assert.True(t, got[5].Terminal)
	assert.Equal(t, types.MarkerNone, got[5].Marker)
}

func mustSubscribe(t *testing.T, m *Mux, taskID string) <-chan types.StreamFrame {
	t.Helper()
	ch, err := m.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	return ch
}

func TestUnknownTask(t *testing.T) {
	m := newTestMux(4)
	assert.ErrorIs(t, m.Publish("nope", frame(0, 1, 1, "x")), ErrUnknownTask)
	_, err := m.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestDuplicateAndStaleSeqDiscarded(t *testing.T) {
	m := newTestMux(64)
	m.Open("t1")

	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "one")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "dup")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 0, "older")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 2, "two")))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Payload)
	assert.Equal(t, "two", got[1].Payload)
}

func TestRestartShutsOutOldAttempt(t *testing.T) {
	m := newTestMux(64)
	m.Open("t1")

	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "old-1")))
	require.NoError(t, m.Restart("t1", 0, 2))
	// Late frame from the displaced worker.
	require.NoError(t, m.Publish("t1", frame(0, 1, 2, "old-2")))
	require.NoError(t, m.Publish("t1", frame(0, 2, 1, "new-1")))
	require.NoError(t, m.Finish("t1", 0, 2, types.MarkerNone))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))
	require.Len(t, got, 4)
	assert.Equal(t, "old-1", got[0].Payload)
	assert.Equal(t, types.MarkerAttemptRestart, got[1].Marker)
	assert.False(t, got[1].Terminal)
	assert.Equal(t, "new-1", got[2].Payload)
	assert.True(t, got[3].Terminal)
}

func TestFinishIsDeliveredExactlyOnce(t *testing.T) {
	m := newTestMux(64)
	m.Open("t1")

	require.NoError(t, m.Finish("t1", 0, 1, types.MarkerError))
	require.NoError(t, m.Finish("t1", 0, 1, types.MarkerError))
	require.NoError(t, m.Finish("t1", 0, 1, types.MarkerAborted))
	// Payload after the terminal frame is discarded.
	require.NoError(t, m.Publish("t1", frame(0, 1, 9, "late")))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))
	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal)
	assert.Equal(t, types.MarkerError, got[0].Marker)
}

func TestOverflowDropsOldestOfBusiestSubtask(t *testing.T) {
	m := newTestMux(4)
	m.Open("t1")

	// Subtask 0 floods the queue; subtask 1 sends one frame.
	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "a1")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 2, "a2")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 3, "a3")))
	require.NoError(t, m.Publish("t1", frame(1, 1, 1, "b1")))
	// Queue full: this evicts a1 behind a DROPPED marker.
	require.NoError(t, m.Publish("t1", frame(0, 1, 4, "a4")))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))

	var payloads []string
	dropMarkers := 0
	for _, f := range got {
		if f.Marker == types.MarkerDropped {
			dropMarkers++
			assert.Equal(t, 0, f.SubtaskIndex)
			continue
		}
		payloads = append(payloads, f.Payload)
	}
	assert.Equal(t, 1, dropMarkers)
	assert.NotContains(t, payloads, "a1")
	assert.Contains(t, payloads, "b1")
	assert.Contains(t, payloads, "a4")
}

func TestOverflowPublishesDropEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := newTestMux(2)
	m.SetBroker(broker)
	m.Open("t1")

	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "a1")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 2, "a2")))
	require.NoError(t, m.Publish("t1", frame(0, 1, 3, "a3")))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventStreamDropped, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no drop event published")
	}
}

func TestTerminalFramesSurviveOverflow(t *testing.T) {
	m := newTestMux(2)
	m.Open("t1")

	require.NoError(t, m.Publish("t1", frame(0, 1, 1, "a1")))
	require.NoError(t, m.Finish("t1", 0, 1, types.MarkerNone))
	require.NoError(t, m.Publish("t1", frame(1, 1, 1, "b1")))
	require.NoError(t, m.Publish("t1", frame(1, 1, 2, "b2")))
	require.NoError(t, m.Finish("t1", 1, 1, types.MarkerNone))
	m.Close("t1")

	got := collect(t, mustSubscribe(t, m, "t1"))
	terminals := 0
	for _, f := range got {
		if f.Terminal {
			terminals++
		}
	}
	assert.Equal(t, 2, terminals)
}

func TestSubscribeCancellation(t *testing.T) {
	m := newTestMux(8)
	m.Open("t1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, "t1")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestConsumerGoneClosesStream(t *testing.T) {
	m := newTestMux(8)
	m.Open("t1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, "t1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}

	// The abandoned stream is closed to producers.
	require.Eventually(t, func() bool {
		return errors.Is(m.Publish("t1", frame(0, 1, 1, "x")), ErrClosed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveSubscriberReceivesFrames(t *testing.T) {
	m := newTestMux(8)
	m.Open("t1")

	ch := mustSubscribe(t, m, "t1")

	go func() {
		m.Publish("t1", frame(0, 1, 1, "hello"))
		m.Finish("t1", 0, 1, types.MarkerNone)
		m.Close("t1")
	}()

	got := collect(t, ch)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Payload)
	assert.True(t, got[1].Terminal)
}

func TestSweepRemovesStaleStreams(t *testing.T) {
	m := NewMux(config.StreamConfig{QueueCapacity: 8, StaleTTLSeconds: 0})
	m.Open("t1")

	time.Sleep(10 * time.Millisecond)
	m.sweep()

	assert.ErrorIs(t, m.Publish("t1", frame(0, 1, 1, "x")), ErrUnknownTask)
}
