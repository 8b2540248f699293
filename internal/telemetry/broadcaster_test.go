package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterLatestOnly(t *testing.T) {
	b := NewBroadcaster(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	for i := 1; i <= 5; i++ {
		b.Publish(Snapshot{Seq: uint64(i)})
	}

	got := <-ch
	assert.Equal(t, uint64(5), got.Seq, "slow observers only see the newest snapshot")
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra snapshot %d", s.Seq)
	default:
	}
}

func TestBroadcasterPrimesNewObservers(t *testing.T) {
	b := NewBroadcaster(10)
	b.Publish(Snapshot{Seq: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := <-b.Subscribe(ctx)
	assert.Equal(t, uint64(3), got.Seq)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Seq)
}

func TestBroadcasterLatestEmpty(t *testing.T) {
	_, ok := NewBroadcaster(0).Latest()
	assert.False(t, ok)
}

func TestBroadcasterUnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(10)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	other := b.Subscribe(context.Background())
	assert.Equal(t, 2, b.Observers())

	cancel()
	require.Eventually(t, func() bool { return b.Observers() == 1 }, time.Second, time.Millisecond)
	_, open := <-ch
	assert.False(t, open)

	// publishing after a drop still reaches the remaining observer
	b.Publish(Snapshot{Seq: 9})
	assert.Equal(t, uint64(9), (<-other).Seq)
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Snapshots())

	for i := 1; i <= 2; i++ {
		h.Add(Snapshot{Seq: uint64(i)})
	}
	assert.Equal(t, []uint64{1, 2}, seqs(h.Snapshots()))

	for i := 3; i <= 7; i++ {
		h.Add(Snapshot{Seq: uint64(i)})
	}
	assert.Equal(t, []uint64{5, 6, 7}, seqs(h.Snapshots()))
}

func TestBroadcasterHistory(t *testing.T) {
	b := NewBroadcaster(2)
	b.Publish(Snapshot{Seq: 1})
	b.Publish(Snapshot{Seq: 2})
	b.Publish(Snapshot{Seq: 3})
	assert.Equal(t, []uint64{2, 3}, seqs(b.History()))
}

func seqs(snaps []Snapshot) []uint64 {
	out := make([]uint64, len(snaps))
	for i, s := range snaps {
		out[i] = s.Seq
	}
	return out
}
