// Package handles maps opaque 128-bit handles to live host objects.
//
// A Registry holds every registered object strongly: nothing it hands out is
// garbage collected until Clear is called. Two registrations of the same
// reference (by identity, not equality) return the same Handle.
package handles

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.handles")

// ErrNilReference is returned when registering a nil reference.
var ErrNilReference = errors.New("handles: cannot register a nil reference")

// Handle is an opaque token standing in for one live reference.
type Handle uuid.UUID

// Nil is the zero Handle; it is never issued.
var Nil Handle

// Parse parses the textual form of a handle.
func Parse(s string) (Handle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("handles: invalid handle %q: %w", s, err)
	}
	return Handle(id), nil
}

func (h Handle) String() string { return uuid.UUID(h).String() }

// IsNil reports whether h is the zero handle.
func (h Handle) IsNil() bool { return h == Nil }

// tables is one generation of registry state. Clear swaps in a fresh one.
type tables struct {
	forward sync.Map // Handle -> any
	reverse sync.Map // introspect.Identity -> Handle
	derived sync.Map // caller key -> Handle
	count   atomic.Int64
}

// Registry is the bidirectional handle <-> reference map. It is safe for
// concurrent use; callers need no locking of their own.
type Registry struct {
	mu sync.RWMutex
	t  *tables
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{t: &tables{}}
}

// Register returns the handle for ref, issuing a new one the first time the
// reference is seen. Concurrent first registrations of the same reference
// agree on a single winner; losers discard their candidate handle.
func (r *Registry) Register(ref any) (Handle, error) {
	if ref == nil {
		return Nil, ErrNilReference
	}
	v := reflect.ValueOf(ref)
	if introspect.IsNil(v) {
		return Nil, ErrNilReference
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.t

	key, ok := introspect.IdentityOf(v)
	if !ok {
		// Value types have no identity. Each registration boxes a copy so
		// that the handle resolves to stable, addressable storage.
		box := reflect.New(v.Type())
		box.Elem().Set(v)
		h := Handle(uuid.New())
		t.forward.Store(h, box.Interface())
		t.count.Add(1)
		return h, nil
	}

	if existing, ok := t.reverse.Load(key); ok {
		return existing.(Handle), nil
	}

	// Publish the forward entry before the reverse one so that a handle is
	// never observable before it resolves.
	candidate := Handle(uuid.New())
	t.forward.Store(candidate, ref)
	actual, loaded := t.reverse.LoadOrStore(key, candidate)
	if loaded {
		t.forward.Delete(candidate)
		return actual.(Handle), nil
	}
	t.count.Add(1)
	return candidate, nil
}

// Derive returns the handle memoized under key for a reference the caller
// builds itself, such as a boxed value or a dictionary entry, which has no
// identity of its own. key names where in the graph the reference came from
// and must be comparable. fresh runs only the first time key is seen; the
// reference stored under the handle is returned so the caller can refresh
// its contents.
func (r *Registry) Derive(key any, fresh func() any) (Handle, any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.t

	if existing, ok := t.derived.Load(key); ok {
		h := existing.(Handle)
		ref, _ := t.forward.Load(h)
		return h, ref, nil
	}

	ref := fresh()
	if ref == nil || introspect.IsNil(reflect.ValueOf(ref)) {
		return Nil, nil, ErrNilReference
	}
	candidate := Handle(uuid.New())
	t.forward.Store(candidate, ref)
	actual, loaded := t.derived.LoadOrStore(key, candidate)
	if loaded {
		t.forward.Delete(candidate)
		h := actual.(Handle)
		ref, _ = t.forward.Load(h)
		return h, ref, nil
	}
	if id, ok := introspect.IdentityOf(reflect.ValueOf(ref)); ok {
		t.reverse.LoadOrStore(id, candidate)
	}
	t.count.Add(1)
	return candidate, ref, nil
}

// MustRegister is Register for references known to be non-nil.
func (r *Registry) MustRegister(ref any) Handle {
	h, err := r.Register(ref)
	if err != nil {
		panic(err)
	}
	return h
}

// TryGet returns the reference behind h. Boxed value types come back as a
// pointer to the boxed copy.
func (r *Registry) TryGet(h Handle) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.forward.Load(h)
}

// Clear drops every mapping. All previously issued handles stop resolving.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := r.t.count.Load()
	r.t = &tables{}
	r.mu.Unlock()
	log.Infof("handle registry cleared (%d handles)", n)
}

// Count is the number of live handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.t.count.Load())
}
