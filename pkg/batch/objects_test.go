package batch

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runObjects(t *testing.T, stage *Objects[int], inputs [][]int) [][]int {
	t.Helper()

	in := make(chan []int)
	out := make(chan []int)
	errCh := make(chan error, 1)
	go func() { errCh <- stage.Run(context.Background(), in, out) }()

	go func() {
		for _, items := range inputs {
			in <- items
		}
		close(in)
	}()

	var batches [][]int
	for b := range out {
		batches = append(batches, b)
	}
	require.NoError(t, <-errCh)
	return batches
}

func TestObjectsPreservesOrderAndLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, limit := range []int{1, 3, 10, 64} {
		var inputs [][]int
		var want []int
		next := 0
		for i := 0; i < 200; i++ {
			n := rng.Intn(5) + 1
			items := make([]int, n)
			for j := range items {
				items[j] = next
				want = append(want, next)
				next++
			}
			inputs = append(inputs, items)
		}

		batches := runObjects(t, NewObjects[int](limit, time.Hour), inputs)

		var got []int
		for _, b := range batches {
			assert.LessOrEqual(t, len(b), limit)
			assert.NotEmpty(t, b)
			got = append(got, b...)
		}
		assert.Equal(t, want, got, "limit %d", limit)
	}
}

func TestObjectsFlushesRemainderOnClose(t *testing.T) {
	batches := runObjects(t, NewObjects[int](10, 0), [][]int{{1, 2}, {3}})
	assert.Equal(t, [][]int{{1, 2, 3}}, batches)
}

func TestObjectsSplitsLargeArrays(t *testing.T) {
	batches := runObjects(t, NewObjects[int](2, 0), [][]int{{1, 2, 3, 4, 5}})
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches)
}

func TestObjectsTimeFlush(t *testing.T) {
	stage := NewObjects[int](100, 20*time.Millisecond)
	in := make(chan []int)
	out := make(chan []int, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- stage.Run(context.Background(), in, out) }()

	in <- []int{1}
	in <- []int{2}

	select {
	case b := <-out:
		assert.Equal(t, []int{1, 2}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush did not happen")
	}

	close(in)
	_, ok := <-out
	assert.False(t, ok, "nothing left to flush")
	require.NoError(t, <-errCh)
}

func TestObjectsContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan []int)
	out := make(chan []int)
	errCh := make(chan error, 1)
	go func() { errCh <- NewObjects[int](1, 0).Run(ctx, in, out) }()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
