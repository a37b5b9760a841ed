package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startOwner runs a ticking owner goroutine for the duration of the test.
func startOwner(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Loop(ctx, time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRun_ExecutesOnOwner(t *testing.T) {
	b := New()
	startOwner(t, b)

	onOwner, err := Do(context.Background(), b, func(ctx context.Context) (bool, error) {
		return b.OnOwner(), nil
	})
	require.NoError(t, err)
	assert.True(t, onOwner)
	assert.False(t, b.OnOwner())
}

func TestRun_InlineWhenAlreadyOnOwner(t *testing.T) {
	b := New()
	startOwner(t, b)

	// A nested Run from the owner would deadlock if it were queued.
	v, err := Do(context.Background(), b, func(ctx context.Context) (int, error) {
		return Do(ctx, b, func(context.Context) (int, error) { return 42, nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestTick_FIFO(t *testing.T) {
	b := New()
	b.Bind()

	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Run(context.Background(), func(context.Context) (any, error) {
				order = append(order, i)
				return nil, nil
			})
		}()
		// Serialize submission so the expected order is known.
		require.Eventually(t, func() bool { return b.Pending() == i+1 }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 5, b.Tick(context.Background()))
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTick_OnlyDrainsSnapshot(t *testing.T) {
	b := New()
	b.Bind()

	released := make(chan struct{})
	go func() {
		_, _ = b.Run(context.Background(), func(context.Context) (any, error) {
			go func() {
				_, _ = b.Run(context.Background(), func(context.Context) (any, error) { return nil, nil })
				close(released)
			}()
			require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, b.Tick(context.Background()))
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 1, b.Tick(context.Background()))
	<-released
}

func TestRun_PanicBecomesError(t *testing.T) {
	b := New()
	startOwner(t, b)

	_, err := b.Run(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkPanicked)
	assert.Contains(t, err.Error(), "boom")

	// The owner survives and keeps serving.
	v, err := b.Run(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	executed, failed := b.Stats()
	assert.Equal(t, uint64(2), executed)
	assert.Equal(t, uint64(1), failed)
}

func TestRun_ErrorPassesThrough(t *testing.T) {
	b := New()
	startOwner(t, b)
	sentinel := errors.New("nope")

	_, err := b.Run(context.Background(), func(context.Context) (any, error) { return nil, sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestRun_CancelReleasesCallerButWorkStillRuns(t *testing.T) {
	b := New()
	b.Bind()

	ran := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Run(ctx, func(context.Context) (any, error) {
		close(ran)
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "queued")

	// The submission cannot be withdrawn.
	assert.Equal(t, 1, b.Pending())
	b.Tick(context.Background())
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("cancelled work never ran")
	}
}

func TestTick_IgnoredOffOwner(t *testing.T) {
	b := New()
	b.Bind()

	n := make(chan int)
	go func() { n <- b.Tick(context.Background()) }()
	assert.Equal(t, 0, <-n)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "failed", Failed.String())
}

// ---------------------------------------------------------------------------
// Inline / Do
// ---------------------------------------------------------------------------

func TestInline_RecoversPanic(t *testing.T) {
	_, err := Inline{}.Run(context.Background(), func(context.Context) (any, error) {
		panic("bad host state")
	})
	require.ErrorIs(t, err, ErrWorkPanicked)
	assert.Contains(t, err.Error(), "bad host state")
}

func TestDo_Typed(t *testing.T) {
	n, err := Do(context.Background(), Inline{}, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = Do(context.Background(), Inline{}, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}
