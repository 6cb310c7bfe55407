package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAppendsAndPromotesLeaseID(t *testing.T) {
	l := New()
	l.Emit("Lease.StatusChanged", map[string]any{"lease_id": "lse_1", "new_status": "sent"})
	l.Emit("Lease.FullySigned", map[string]any{"lease_id": "lse_1"})
	l.Emit("System.Started", map[string]any{"pid": 42})

	events := l.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "lse_1", events[0].LeaseID)
	assert.Equal(t, "", events[2].LeaseID)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())

	byType := l.ByType("Lease.FullySigned")
	require.Len(t, byType, 1)
	assert.Equal(t, "lse_1", byType[0].LeaseID)
}

func TestEventsReturnsCopy(t *testing.T) {
	l := New()
	l.Emit("Lease.StatusChanged", map[string]any{"lease_id": "lse_1"})

	events := l.Events()
	events[0].Type = "mutated"
	assert.Equal(t, "Lease.StatusChanged", l.Events()[0].Type)
}

func TestSubscribeReceivesAndClosesOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Subscribe(ctx)

	l.Emit("Lease.StatusChanged", map[string]any{"lease_id": "lse_1"})
	select {
	case evt := <-ch:
		assert.Equal(t, "Lease.StatusChanged", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestEmitDuringUnsubscribeDoesNotPanic(t *testing.T) {
	l := New()

	// Churn subscriptions while emitting; a fan-out send racing a channel
	// close would panic the run.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			ctx, cancel := context.WithCancel(context.Background())
			ch := l.Subscribe(ctx)
			cancel()
			for range ch {
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		l.Emit("Lease.StatusChanged", map[string]any{"lease_id": "lse_1"})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription churn never finished")
	}
	assert.Len(t, l.Events(), 2000)
}

func TestSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = l.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Emit("Lease.StatusChanged", map[string]any{"lease_id": "lse_1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
	assert.Len(t, l.Events(), 100)
}
