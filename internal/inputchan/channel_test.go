// ABOUTME: Tests for the continuous input channel.
// ABOUTME: Covers FIFO order, blocking reads, end-of-stream drain, and push-after-end.

package inputchan

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFOOrder(t *testing.T) {
	c := New[string]()
	c.Push("a")
	c.Push("b")
	c.Push("c")
	c.End()

	got := slices.Collect(c.All(t.Context()))
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestChannel_DrainsBacklogBeforeEnd(t *testing.T) {
	c := New[int]()
	for i := range 5 {
		require.True(t, c.Push(i))
	}
	c.End()
	assert.Equal(t, 5, c.Len())

	for i := range 5 {
		v, ok, err := c.Next(t.Context())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok, err := c.Next(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_PushAfterEndIsDropped(t *testing.T) {
	c := New[string]()
	c.End()
	c.End()

	assert.False(t, c.Push("late"))
	assert.True(t, c.Ended())
	assert.Equal(t, 0, c.Len())
}

func TestChannel_NextBlocksUntilPush(t *testing.T) {
	c := New[string]()

	got := make(chan string, 1)
	go func() {
		v, ok, err := c.Next(context.Background())
		if err == nil && ok {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	c.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on push")
	}
}

func TestChannel_NextWakesOnEnd(t *testing.T) {
	c := New[string]()

	done := make(chan bool, 1)
	go func() {
		_, ok, _ := c.Next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	c.End()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe end-of-stream")
	}
}

func TestChannel_NextHonorsContext(t *testing.T) {
	c := New[string]()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := c.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_ProducerInterleavesWithConsumer(t *testing.T) {
	c := New[int]()

	go func() {
		for i := range 100 {
			c.Push(i)
		}
		c.End()
	}()

	var got []int
	for v := range c.All(t.Context()) {
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
