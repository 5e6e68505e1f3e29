package oscout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(n int) DeliveryItem {
	return DeliveryItem{Batch: batchOf(1, 1, float32(n))}
}

func drainValues(q *Queue) []float32 {
	var out []float32
	for {
		it, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, it.Batch.Data[0])
	}
}

func TestQueueOverflowPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy    OverflowPolicy
		want      []float32
		dropped   uint64
		overflows uint64
	}{
		{DropOldest, []float32{2, 3, 4, 5, 6}, 1, 1},
		{DropNewest, []float32{1, 2, 3, 4, 5}, 1, 1},
		{Block, []float32{1, 2, 3, 4, 5, 6}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()

			q := NewQueue(5, tt.policy)
			var droppedReports int
			for n := 1; n <= 6; n++ {
				if q.Enqueue(item(n)) {
					droppedReports++
				}
			}

			assert.Equal(t, tt.overflows, q.Overflows())
			assert.Equal(t, tt.dropped, q.Dropped())
			assert.Equal(t, int(tt.dropped), droppedReports)
			assert.Equal(t, len(tt.want), q.Len())
			assert.Equal(t, tt.want, drainValues(q))
		})
	}
}

func TestQueueFIFOAndReadySignal(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, DropOldest)
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.Enqueue(item(1))
	q.Enqueue(item(2))

	select {
	case <-q.Ready():
	default:
		require.Fail(t, "ready not signalled")
	}
	select {
	case <-q.Ready():
		require.Fail(t, "one signal covers several items")
	default:
	}

	assert.Equal(t, []float32{1, 2}, drainValues(q))
}

func TestQueueResetDroppedKeepsOverflows(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, DropNewest)
	q.Enqueue(item(1))
	q.Enqueue(item(2))
	q.Enqueue(item(3))
	require.Equal(t, uint64(2), q.Dropped())

	q.ResetDropped()
	assert.Zero(t, q.Dropped())
	assert.Equal(t, uint64(2), q.Overflows())

	assert.Equal(t, 1, q.Clear())
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Dropped(), "clearing is not dropping")
}

func TestQueueBlockBacklogDrainsInOrder(t *testing.T) {
	t.Parallel()

	const backlog = 10000
	q := NewQueue(4, Block)
	for i := range backlog {
		q.Enqueue(item(i))
	}
	require.Equal(t, backlog, q.Len())
	assert.Equal(t, uint64(backlog-4), q.Overflows())

	for i := range backlog {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		require.InDelta(t, float32(i), it.Batch.Data[0], 0)
		if i == backlog/2 {
			assert.Less(t, q.head, backlog/2, "consumed slots are reclaimed while draining")
		}
	}
	assert.Zero(t, q.Len())
	assert.Zero(t, q.head)
}

func TestQueueSteadyStateKeepsBackingSliceBounded(t *testing.T) {
	t.Parallel()

	q := NewQueue(8, Block)
	for i := range 5 {
		q.Enqueue(item(i))
	}
	for i := 5; i < 5000; i++ {
		q.Enqueue(item(i))
		it, ok := q.TryDequeue()
		require.True(t, ok)
		require.InDelta(t, float32(i-5), it.Batch.Data[0], 0)
	}
	assert.Equal(t, 5, q.Len())
	assert.LessOrEqual(t, cap(q.items), 4*compactThreshold)
}

func TestQueueDropOldestAfterCompaction(t *testing.T) {
	t.Parallel()

	q := NewQueue(3, DropOldest)
	for i := range 100 {
		q.Enqueue(item(i))
	}
	assert.Equal(t, []float32{97, 98, 99}, drainValues(q))
	assert.Equal(t, uint64(97), q.Dropped())

	q.Enqueue(item(1))
	assert.Equal(t, []float32{1}, drainValues(q))
}

func TestNewQueueDefaults(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, "lossy")
	assert.Equal(t, DropOldest, q.Policy())
	for n := range DefaultQueueMaxSize + 1 {
		q.Enqueue(item(n))
	}
	assert.Equal(t, DefaultQueueMaxSize, q.Len())
}

func TestParseOverflowPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseOverflowPolicy(" Drop_Newest ")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	_, err = ParseOverflowPolicy("ring")
	require.Error(t, err)
}
