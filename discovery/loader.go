package discovery

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/introspect"
)

// Loader defaults.
const (
	DefaultBatch = 1000
	DefaultPause = 10 * time.Millisecond
)

// Lookup is the host's canonical single-identifier lookup. It receives a
// normalized identifier and returns nil for unknown ones.
type Lookup func(id string) (any, error)

// Unwrapper extracts the record held by a store entry or lookup result. It
// reports false when there is no record (for instance a lazy slot that has
// not been filled yet).
type Unwrapper func(v reflect.Value) (reflect.Value, bool)

// UnwrapSelf accepts any non-nil value as the record itself.
func UnwrapSelf(v reflect.Value) (reflect.Value, bool) {
	v = introspect.Unwrap(v)
	return v, !introspect.IsNil(v)
}

// UnwrapVia accepts values for which accept reports true. Other values are
// searched for the named members, in order, and the first non-nil one that
// is accepted wins. A nil accept takes any non-nil member value.
func UnwrapVia(in introspect.Introspector, accept func(reflect.Value) bool, names ...string) Unwrapper {
	if in == nil {
		in = introspect.Default
	}
	ok := func(v reflect.Value) bool {
		return !introspect.IsNil(v) && (accept == nil || accept(v))
	}
	return func(v reflect.Value) (reflect.Value, bool) {
		v = introspect.Unwrap(v)
		if introspect.IsNil(v) {
			return v, false
		}
		if accept != nil && accept(v) {
			return v, true
		}
		for _, name := range names {
			m, found := introspect.MemberByName(in, v, name)
			if !found {
				continue
			}
			mv, err := m.Read()
			if err != nil {
				continue
			}
			if mv = introspect.Unwrap(mv); ok(mv) {
				return mv, true
			}
		}
		return v, false
	}
}

// Progress is reported after every batch.
type Progress struct {
	Processed int
	Total     int
	Loaded    int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithExecutor sets where store reads and lookups run, usually a
// *bridge.Bridge.
func WithExecutor(e bridge.Runner) LoaderOption { return func(l *Loader) { l.exec = e } }

// WithUnwrap sets how records are extracted from entries and lookup results.
func WithUnwrap(fn Unwrapper) LoaderOption { return func(l *Loader) { l.unwrap = fn } }

// WithBatch sets how many lookups run per executor call.
func WithBatch(n int) LoaderOption { return func(l *Loader) { l.batch = max(n, 1) } }

// WithPause sets the pause between batches.
func WithPause(d time.Duration) LoaderOption { return func(l *Loader) { l.pause = d } }

// WithProgress sets a callback invoked after each batch.
func WithProgress(fn func(Progress)) LoaderOption { return func(l *Loader) { l.progress = fn } }

// Loader hydrates a Store. Every identifier ends up either loaded or
// missed, so a Load after a complete Load does nothing.
type Loader struct {
	store    *Store
	lookup   Lookup
	exec     bridge.Runner
	unwrap   Unwrapper
	batch    int
	pause    time.Duration
	progress func(Progress)

	mu     sync.RWMutex
	loaded map[string]any
	missed map[string]struct{}
}

// NewLoader creates a Loader for store using the host lookup.
func NewLoader(store *Store, lookup Lookup, opts ...LoaderOption) *Loader {
	l := &Loader{
		store:  store,
		lookup: lookup,
		exec:   bridge.Inline{},
		unwrap: UnwrapSelf,
		batch:  DefaultBatch,
		pause:  DefaultPause,
		loaded: make(map[string]any),
		missed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load extracts the live entries of the store, then looks up every
// identifier that is still unaccounted for, one batch per executor call with
// a pause in between. It returns how many records the lookups added.
func (l *Loader) Load(ctx context.Context) (int, error) {
	pending, err := bridge.Do(ctx, l.exec, func(context.Context) ([]string, error) {
		return l.snapshot()
	})
	if err != nil {
		return 0, fmt.Errorf("discovery: snapshotting %s: %w", l.store.Name, err)
	}
	total := len(pending)
	if total == 0 {
		return 0, nil
	}
	log.Infof("force-loading %d identifiers from %s", total, l.store.Name)

	newly := 0
	for start := 0; start < total; start += l.batch {
		batch := pending[start:min(start+l.batch, total)]
		n, err := bridge.Do(ctx, l.exec, func(context.Context) (int, error) {
			return l.resolve(batch), nil
		})
		if err != nil {
			return newly, fmt.Errorf("discovery: force-loading: %w", err)
		}
		newly += n

		p := Progress{Processed: start + len(batch), Total: total, Loaded: newly}
		log.Infof("force-loading: %d/%d (%d new)", p.Processed, p.Total, p.Loaded)
		if l.progress != nil {
			l.progress(p)
		}
		if p.Processed < total {
			if err := sleep(ctx, l.pause); err != nil {
				return newly, err
			}
		}
	}
	log.Infof("force-loaded %d additional records", newly)
	return newly, nil
}

// snapshot records the live entries and returns the sorted identifiers
// that still need a lookup.
func (l *Loader) snapshot() ([]string, error) {
	entries, err := l.store.Entries()
	if err != nil {
		log.Warningf("reading %s: %s", l.store.Name, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if _, done := l.loaded[e.ID]; done {
			continue
		}
		if rec, ok := l.unwrap(e.Value); ok {
			if x, ok := introspect.Interface(rec); ok {
				l.loaded[e.ID] = x
			}
		}
	}
	var pending []string
	for _, e := range entries {
		if l.accounted(e.ID) {
			continue
		}
		pending = append(pending, e.ID)
	}
	return slices.Compact(pending), nil
}

func (l *Loader) accounted(id string) bool {
	if _, ok := l.loaded[id]; ok {
		return true
	}
	_, ok := l.missed[id]
	return ok
}

// resolve looks up each id and records the outcome.
func (l *Loader) resolve(ids []string) int {
	n := 0
	for _, id := range ids {
		rec, ok := l.lookupOne(id)
		l.mu.Lock()
		if ok {
			l.loaded[id] = rec
			delete(l.missed, id)
			n++
		} else {
			l.missed[id] = struct{}{}
		}
		l.mu.Unlock()
	}
	return n
}

func (l *Loader) lookupOne(id string) (rec any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("lookup %s panicked: %v", id, r)
			rec, ok = nil, false
		}
	}()
	v, err := l.lookup(id)
	if err != nil || v == nil {
		return nil, false
	}
	rv, found := l.unwrap(reflect.ValueOf(v))
	if !found {
		return nil, false
	}
	return introspect.Interface(rv)
}

// Get returns the hydrated record for an identifier in any accepted form.
func (l *Loader) Get(id string) (any, bool) {
	n, ok := ParseID(id)
	if !ok {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.loaded[n]
	return rec, ok
}

// Len is the number of hydrated records.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.loaded)
}

// Missed is the number of identifiers the lookup could not resolve.
func (l *Loader) Missed() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.missed)
}

// Record is one hydrated store entry.
type Record struct {
	ID    string
	Value any
}

// Records returns the hydrated records sorted by identifier.
func (l *Loader) Records() []Record {
	l.mu.RLock()
	out := make([]Record, 0, len(l.loaded))
	for id, v := range l.loaded {
		out = append(out, Record{ID: id, Value: v})
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
