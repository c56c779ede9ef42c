package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(maxPerOrder, maxTotal int) *BufferStore {
	return NewBufferStore(maxPerOrder, maxTotal, time.Hour, nil)
}

func addOutput(s *BufferStore, workOrderID, output string) {
	e := New(TypeAgentOutput, workOrderID)
	e.Output = output
	s.Add(e)
}

func TestBufferStore_PerOrderRing(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(3, 100)

	for i := 0; i < 5; i++ {
		addOutput(s, "wo-1", fmt.Sprintf("%d", i))
	}

	events := s.Events("wo-1", time.Time{})
	require.Len(t, events, 3, "ring keeps only the newest maxPerOrder events")
	assert.Equal(t, "2", events[0].Output)
	assert.Equal(t, "4", events[2].Output)
	assert.Equal(t, 3, s.TotalCount())
}

func TestBufferStore_GlobalCapEvictsLRU(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 12)

	for i := 0; i < 6; i++ {
		addOutput(s, "wo-cold", "x")
	}
	for i := 0; i < 6; i++ {
		addOutput(s, "wo-hot", "y")
	}
	// Reading wo-hot refreshes its access time, leaving wo-cold
	// least recently used.
	s.Events("wo-hot", time.Time{})

	// Push past the global cap; wo-cold should lose about half.
	addOutput(s, "wo-hot", "y")

	assert.LessOrEqual(t, s.TotalCount(), 12)
	assert.Equal(t, 3, s.Count("wo-cold"))
	assert.Equal(t, 7, s.Count("wo-hot"))
}

func TestBufferStore_GlobalCapRemovesDrainedBuffer(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 2)

	addOutput(s, "wo-1", "a")
	time.Sleep(2 * time.Millisecond)
	addOutput(s, "wo-2", "b")
	time.Sleep(2 * time.Millisecond)
	addOutput(s, "wo-2", "c")

	// wo-1 held a single event; halving a one-event buffer drains it
	// and the buffer itself is dropped.
	assert.Equal(t, 0, s.Count("wo-1"))
	assert.Equal(t, 2, s.Count("wo-2"))
	assert.Equal(t, 2, s.TotalCount())
}

func TestBufferStore_EventsSince(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 100)

	old := New(TypeAgentOutput, "wo-1")
	old.Timestamp = time.Now().Add(-time.Hour)
	s.Add(old)
	addOutput(s, "wo-1", "new")

	all := s.Events("wo-1", time.Time{})
	require.Len(t, all, 2)

	recent := s.Events("wo-1", time.Now().Add(-time.Minute))
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Output)

	assert.Nil(t, s.Events("missing", time.Time{}))
}

func TestBufferStore_Latest(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 100)

	for i := 0; i < 5; i++ {
		addOutput(s, "wo-1", fmt.Sprintf("%d", i))
	}

	last2 := s.Latest("wo-1", 2)
	require.Len(t, last2, 2)
	assert.Equal(t, "3", last2[0].Output)
	assert.Equal(t, "4", last2[1].Output)

	assert.Len(t, s.Latest("wo-1", 50), 5)
	assert.Nil(t, s.Latest("wo-1", 0))
	assert.Nil(t, s.Latest("missing", 3))
}

func TestBufferStore_Clear(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 100)

	addOutput(s, "wo-1", "a")
	addOutput(s, "wo-2", "b")

	s.Clear("wo-1")
	assert.Equal(t, 0, s.Count("wo-1"))
	assert.Equal(t, 1, s.TotalCount())
	s.Clear("wo-1")
}

func TestBufferStore_ClearOlderThan(t *testing.T) {
	t.Parallel()
	s := newTestBuffer(10, 100)

	stale := New(TypeAgentOutput, "wo-1")
	stale.Timestamp = time.Now().Add(-2 * time.Hour)
	s.Add(stale)
	addOutput(s, "wo-1", "fresh")

	dropped := s.ClearOlderThan(time.Now().Add(-time.Hour))
	assert.Equal(t, 1, dropped)
	require.Len(t, s.Events("wo-1", time.Time{}), 1)

	// Draining a buffer entirely removes it.
	dropped = s.ClearOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, s.TotalCount())
}

func TestBufferStore_CleanupLoop(t *testing.T) {
	t.Parallel()
	s := NewBufferStore(10, 100, 50*time.Millisecond, nil)

	stale := New(TypeAgentOutput, "wo-1")
	stale.Timestamp = time.Now().Add(-time.Minute)
	s.Add(stale)

	s.StartCleanup(10 * time.Millisecond)
	s.StartCleanup(10 * time.Millisecond)
	defer s.StopCleanup()

	deadline := time.Now().Add(2 * time.Second)
	for s.TotalCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, s.TotalCount(), "retention sweep should discard stale events")

	s.StopCleanup()
	s.StopCleanup()
}
