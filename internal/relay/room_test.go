package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoom_JoinIsIdempotent(t *testing.T) {
	room := newRoom("lobby", nil)
	conn := newTestConnection(t, 4, 0, nil)

	require.NoError(t, room.Join(conn))
	require.NoError(t, room.Join(conn))

	assert.Equal(t, 1, room.Size())
	assert.True(t, room.has(conn.ID()))
}

func TestRoom_LeaveReportsEmpty(t *testing.T) {
	room := newRoom("lobby", nil)
	a := newTestConnection(t, 4, 0, nil)
	b := newTestConnection(t, 4, 0, nil)
	require.NoError(t, room.Join(a))
	require.NoError(t, room.Join(b))

	assert.False(t, room.Leave(a))
	assert.False(t, room.Leave(a), "leaving twice is a no-op")
	assert.True(t, room.Leave(b))
}

func TestRoom_LeaveAbsentIsNoop(t *testing.T) {
	room := newRoom("lobby", nil)
	member := newTestConnection(t, 4, 0, nil)
	stranger := newTestConnection(t, 4, 0, nil)
	require.NoError(t, room.Join(member))

	assert.False(t, room.Leave(stranger))
	assert.Equal(t, 1, room.Size())
}

func TestRoom_BroadcastExcludesSender(t *testing.T) {
	room := newRoom("lobby", nil)
	sender := newTestConnection(t, 4, 0, nil)
	others := []*Connection{newTestConnection(t, 4, 0, nil), newTestConnection(t, 4, 0, nil)}
	require.NoError(t, room.Join(sender))
	for _, conn := range others {
		require.NoError(t, room.Join(conn))
	}

	result := room.Broadcast(sender.ID(), []byte("hi"))

	assert.Equal(t, BroadcastResult{Recipients: 2, Delivered: 2}, result)
	assert.Equal(t, 0, sender.pending())
	for _, conn := range others {
		assert.Equal(t, "hi", string(drainOne(t, conn)))
	}
}

func TestRoom_BroadcastContinuesPastFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)
	room := newRoom("lobby", relayMetrics)

	sender := newTestConnection(t, 4, 0, nil)
	full := newTestConnection(t, 1, 0, nil)
	closed := newTestConnection(t, 4, 0, nil)
	healthy := newTestConnection(t, 4, 0, nil)
	for _, conn := range []*Connection{sender, full, closed, healthy} {
		require.NoError(t, room.Join(conn))
	}
	require.NoError(t, full.Enqueue([]byte("already queued")))
	closed.MarkClosed()

	result := room.Broadcast(sender.ID(), []byte("hi"))

	assert.Equal(t, BroadcastResult{Recipients: 3, Delivered: 1, QueueFull: 1, Closed: 1}, result)
	assert.Equal(t, "hi", string(drainOne(t, healthy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(relayMetrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryEnqueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(relayMetrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryQueueFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(relayMetrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryClosed)))
}

func TestRoom_RetiredRejectsJoin(t *testing.T) {
	room := newRoom("lobby", nil)
	room.retired = true

	err := room.Join(newTestConnection(t, 4, 0, nil))
	assert.ErrorIs(t, err, errRoomRetired)
	assert.Equal(t, 0, room.Size())
}

func TestRoom_BroadcastDuringMembershipChurn(t *testing.T) {
	room := newRoom("lobby", nil)
	sender := newTestConnection(t, 4, 0, nil)
	require.NoError(t, room.Join(sender))

	stable := make([]*Connection, 10)
	for i := range stable {
		stable[i] = newTestConnection(t, 1024, 0, nil)
		require.NoError(t, room.Join(stable[i]))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				churn := newTestConnection(t, 1, 0, nil)
				_ = room.Join(churn)
				room.Leave(churn)
			}
		}()
	}

	for range 200 {
		result := room.Broadcast(sender.ID(), []byte("x"))
		// Members present before the snapshot are never skipped.
		assert.GreaterOrEqual(t, result.Delivered, len(stable))
	}
	close(stop)
	wg.Wait()

	for _, conn := range stable {
		assert.Equal(t, 200, conn.pending())
	}
}

func TestRoom_MembersAreKeyedByID(t *testing.T) {
	room := newRoom("lobby", nil)
	id := domain.NewConnectionID()
	first := newConnection(id, time.Now(), connectionOptions{queueSize: 1})
	second := newConnection(id, time.Now(), connectionOptions{queueSize: 1})

	require.NoError(t, room.Join(first))
	require.NoError(t, room.Join(second))
	assert.Equal(t, 1, room.Size())

	assert.False(t, room.Leave(second), "a different instance with the same id does not evict the member")
	assert.True(t, room.has(id))
}
