// Package bridge runs work on the single goroutine that owns live host state.
//
// The host drives the owner by calling Tick once per frame (or by running
// Loop). Any other goroutine submits work with Run and blocks until the owner
// has executed it. Work submitted from the owner itself runs inline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/petermattis/goid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("peephole.bridge")

// ErrWorkPanicked wraps a panic raised by submitted work.
var ErrWorkPanicked = errors.New("bridge: work panicked")

// Work is a unit of work executed on the owner goroutine.
type Work func(ctx context.Context) (any, error)

// State is the lifecycle of one submitted unit of work.
type State int32

const (
	Queued State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// call is one submission waiting for the owner.
type call struct {
	work  Work
	state atomic.Int32
	done  chan result
}

// result holds the return value from a unit of work.
type result struct {
	value any
	err   error
}

// Bridge serializes access to owner-only state through one goroutine.
type Bridge struct {
	mu      sync.Mutex
	pending *queue.Queue // of *call, FIFO
	owner   atomic.Int64

	executed atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Bridge with no owner. The first goroutine to call Bind or
// Tick becomes the owner.
func New() *Bridge {
	return &Bridge{pending: queue.New()}
}

// Bind makes the calling goroutine the owner.
func (b *Bridge) Bind() {
	b.owner.Store(goid.Get())
}

// OnOwner reports whether the caller is the owner goroutine.
func (b *Bridge) OnOwner() bool {
	id := b.owner.Load()
	return id != 0 && id == goid.Get()
}

// Run executes work on the owner goroutine and returns its result. On the
// owner it runs inline. Elsewhere it is queued behind earlier submissions and
// the caller blocks until it completes.
//
// Run has no timeout of its own: with a context that is never cancelled the
// caller waits as long as the owner takes to tick again. Cancelling ctx only
// releases the caller; the work stays queued and still runs.
func (b *Bridge) Run(ctx context.Context, work Work) (any, error) {
	c := &call{work: work, done: make(chan result, 1)}
	if b.OnOwner() {
		r := b.execute(ctx, c)
		return r.value, r.err
	}

	b.mu.Lock()
	b.pending.Add(c)
	b.mu.Unlock()

	select {
	case r := <-c.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge: waiting for owner (%s): %w", State(c.state.Load()), ctx.Err())
	}
}

// Runner executes work somewhere safe. *Bridge is the owner-goroutine
// runner; Inline runs on the caller.
type Runner interface {
	Run(ctx context.Context, work Work) (any, error)
}

// Inline runs work on the calling goroutine. Tests and hosts whose state
// may be read from any goroutine use it.
type Inline struct{}

func (Inline) Run(ctx context.Context, work Work) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return work(ctx)
}

// Do is Run with a typed result.
func Do[T any](ctx context.Context, r Runner, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := r.Run(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Tick executes the work that was queued when the tick began, in submission
// order, and returns how many items ran. Work queued during the tick waits
// for the next one, so a tick always returns. Tick must be called from the
// owner; the first caller becomes the owner if none is bound.
func (b *Bridge) Tick(ctx context.Context) int {
	b.owner.CompareAndSwap(0, goid.Get())
	if !b.OnOwner() {
		log.Warningf("tick called off the owner goroutine; ignoring")
		return 0
	}

	b.mu.Lock()
	n := b.pending.Length()
	batch := make([]*call, 0, n)
	for range n {
		batch = append(batch, b.pending.Remove().(*call))
	}
	b.mu.Unlock()

	for _, c := range batch {
		c.done <- b.execute(ctx, c)
	}
	return len(batch)
}

// execute runs one call, recovering from panics.
func (b *Bridge) execute(ctx context.Context, c *call) (res result) {
	c.state.Store(int32(Running))
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fmt.Errorf("%w: %v", ErrWorkPanicked, r)}
		}
		if res.err != nil {
			c.state.Store(int32(Failed))
			b.failed.Add(1)
		} else {
			c.state.Store(int32(Completed))
		}
		b.executed.Add(1)
	}()
	v, err := c.work(ctx)
	return result{value: v, err: err}
}

// Loop binds the calling goroutine as owner and ticks every interval until
// ctx is done. Hosts without a frame loop of their own use it.
func (b *Bridge) Loop(ctx context.Context, interval time.Duration) error {
	b.Bind()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending is the number of submissions waiting for a tick.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Length()
}

// Stats reports how many items have executed and how many of those failed.
func (b *Bridge) Stats() (executed, failed uint64) {
	return b.executed.Load(), b.failed.Load()
}
