package blackboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	bb := New(nil)
	bb.Write("queue_status", map[string]int{"queued": 3})

	v, ok := bb.Read("queue_status")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"queued": 3}, v)
}

func TestWriteOnlyNotifiesOnChange(t *testing.T) {
	bb := New(nil)
	ch := bb.Subscribe("backpressure_active", 4)

	bb.Write("backpressure_active", false)
	bb.Write("backpressure_active", false) // no change, no second event
	bb.Write("backpressure_active", true)  // change, event

	select {
	case ev := <-ch:
		assert.Equal(t, false, ev.Value)
	case <-time.After(time.Second):
		t.Fatal("expected first event")
	}
	select {
	case ev := <-ch:
		assert.Equal(t, true, ev.Value)
	case <-time.After(time.Second):
		t.Fatal("expected second event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected third event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	bb := New(nil)
	bb.Write("a", 1)
	snap := bb.Snapshot()
	snap["a"] = 2

	v, _ := bb.Read("a")
	assert.Equal(t, 1, v)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bb := New(nil)
	ch := bb.Subscribe("k", 1)
	bb.Unsubscribe("k", ch)

	_, open := <-ch
	assert.False(t, open)
}
