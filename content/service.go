// Package content serves the host's identifier-keyed content store: a
// snapshot of its identifiers, windows of dumped records, an equipment-only
// NDJSON stream and icon lookup.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/dump"
	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.content")

// DefaultMaxRange caps how many records one Range or stream call covers.
const DefaultMaxRange = 500

var (
	ErrInvalidID = errors.New("content: invalid identifier")
	ErrNotFound  = errors.New("content: record not found")
	ErrNoIcon    = errors.New("content: no icon")
	ErrNoHolder  = errors.New("content: no holder configured")
)

// Source describes where the content store lives in the host.
type Source struct {
	// Holder returns the object owning the store. It runs on the owner.
	Holder func() (any, error)
	// Statics are package-level members searched alongside the holder's.
	Statics []introspect.Member
	// Lookup resolves a single normalized identifier. It runs on the owner.
	Lookup discovery.Lookup
	// Unwrap extracts records from store entries and lookup results.
	// Nil accepts values as they are.
	Unwrap discovery.Unwrapper
}

// Option configures a Service.
type Option func(*Service)

// WithDump sets the dump options used for records.
func WithDump(opts dump.Options) Option { return func(s *Service) { s.dump = opts } }

// WithThreshold sets the discovery threshold.
func WithThreshold(n int) Option { return func(s *Service) { s.threshold = n } }

// WithMaxRange caps Range and stream windows. Zero or less means no cap.
func WithMaxRange(n int) Option { return func(s *Service) { s.maxRange = n } }

// WithLoaderOptions passes options to the Loader used by Hydrate.
func WithLoaderOptions(opts ...discovery.LoaderOption) Option {
	return func(s *Service) { s.loaderOpts = append(s.loaderOpts, opts...) }
}

// WithIntrospector replaces the default reflection walker.
func WithIntrospector(in introspect.Introspector) Option {
	return func(s *Service) { s.in = in }
}

// Service reads the content store. Host state is only touched through the
// runner, normally the owner bridge.
type Service struct {
	src        Source
	run        bridge.Runner
	in         introspect.Introspector
	dump       dump.Options
	threshold  int
	maxRange   int
	loaderOpts []discovery.LoaderOption

	// initMu serializes Init; mu guards the fields below and is never held
	// while waiting on the runner.
	initMu sync.Mutex
	mu     sync.Mutex
	store  *discovery.Store
	ids    []string
	loader *discovery.Loader
}

// New creates a Service. A nil runner runs work inline.
func New(src Source, run bridge.Runner, opts ...Option) *Service {
	if run == nil {
		run = bridge.Inline{}
	}
	if src.Unwrap == nil {
		src.Unwrap = discovery.UnwrapSelf
	}
	s := &Service{
		src:       src,
		run:       run,
		in:        introspect.Default,
		dump:      dump.DefaultOptions(),
		threshold: discovery.DefaultThreshold,
		maxRange:  DefaultMaxRange,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dump.Introspector = s.in
	return s
}

type located struct {
	store *discovery.Store
	ids   []string
}

// Init locates the store and snapshots its identifiers once. A failed Init
// is retried by the next call.
func (s *Service) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.Ready() {
		return nil
	}
	if s.src.Holder == nil {
		return ErrNoHolder
	}
	res, err := bridge.Do(ctx, s.run, func(context.Context) (located, error) {
		holder, err := s.src.Holder()
		if err != nil {
			return located{}, fmt.Errorf("content: reading holder: %w", err)
		}
		store, err := discovery.Locate(holder,
			discovery.WithThreshold(s.threshold),
			discovery.WithStatics(s.src.Statics...),
			discovery.WithIntrospector(s.in),
		)
		if err != nil {
			return located{}, err
		}
		ids, err := store.Keys()
		if err != nil {
			log.Warningf("snapshot of %s is partial: %s", store.Name, err)
		}
		return located{store: store, ids: ids}, nil
	})
	if err != nil {
		log.Warningf("content store unavailable: %s", err)
		return err
	}
	opts := append([]discovery.LoaderOption{
		discovery.WithExecutor(s.run),
		discovery.WithUnwrap(s.src.Unwrap),
	}, s.loaderOpts...)
	lookup := s.src.Lookup
	if lookup == nil {
		lookup = func(string) (any, error) { return nil, nil }
	}
	loader := discovery.NewLoader(res.store, lookup, opts...)

	s.mu.Lock()
	s.store, s.ids, s.loader = res.store, res.ids, loader
	s.mu.Unlock()
	log.Infof("content store %s: %d identifiers", res.store.Name, len(res.ids))
	return nil
}

// Ready reports whether Init has succeeded.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store != nil
}

// IDs returns the identifier snapshot.
func (s *Service) IDs(ctx context.Context) ([]string, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids), nil
}

// List returns one Meta per identifier. Only ID is set; resolving names
// would hydrate the whole store.
func (s *Service) List(ctx context.Context) ([]Meta, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Meta, len(ids))
	for i, id := range ids {
		out[i] = Meta{ID: id}
	}
	return out, nil
}

// window clamps start and count against total and the range cap.
func (s *Service) window(total, start, count int) (int, int) {
	start = min(max(start, 0), total)
	count = max(count, 0)
	if s.maxRange > 0 {
		count = min(count, s.maxRange)
	}
	return start, min(count, total-start)
}

// Range dumps the records at [start, start+count) of the snapshot. The
// window is clamped; identifiers that no longer resolve are skipped, so
// len(Records) may be less than Count.
func (s *Service) Range(ctx context.Context, start, count int) (*Page, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}
	start, count = s.window(len(ids), start, count)
	page := &Page{Total: len(ids), Start: start, Count: count, Records: []Record{}}
	for _, id := range ids[start : start+count] {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if !errors.Is(err, ErrNotFound) {
				log.Debugf("skipping %s: %s", id, err)
			}
			continue
		}
		page.Records = append(page.Records, *rec)
	}
	return page, nil
}

// StreamEquipment writes the equipment records of the clamped window as
// newline-delimited JSON, one {meta, data} object per line. flush, if not
// nil, runs after every line. Each record is resolved and dumped in its own
// runner call. It returns the number of lines written.
func (s *Service) StreamEquipment(ctx context.Context, start, count int, w io.Writer, flush func()) (int, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return 0, err
	}
	start, count = s.window(len(ids), start, count)
	enc := json.NewEncoder(w)
	written := 0
	for _, id := range ids[start : start+count] {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		rec, err := bridge.Do(ctx, s.run, func(context.Context) (*Record, error) {
			v, err := s.resolve(id)
			if err != nil || !IsEquipment(reflect.TypeOf(v)) {
				return nil, nil
			}
			return s.record(id, v), nil
		})
		if err != nil {
			return written, err
		}
		if rec == nil {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return written, fmt.Errorf("content: writing %s: %w", id, err)
		}
		written++
		if flush != nil {
			flush()
		}
	}
	return written, nil
}

// Get resolves and dumps one record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	n, ok := discovery.ParseID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return bridge.Do(ctx, s.run, func(context.Context) (*Record, error) {
		v, err := s.resolve(n)
		if err != nil {
			return nil, err
		}
		return s.record(n, v), nil
	})
}

// Resolve returns the live record for id and its Meta.
func (s *Service) Resolve(ctx context.Context, id string) (any, Meta, error) {
	n, ok := discovery.ParseID(id)
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	type resolved struct {
		v    any
		meta Meta
	}
	r, err := bridge.Do(ctx, s.run, func(context.Context) (resolved, error) {
		v, err := s.resolve(n)
		if err != nil {
			return resolved{}, err
		}
		return resolved{v: v, meta: MetaOf(s.in, n, v)}, nil
	})
	return r.v, r.meta, err
}

// Icon finds the icon image of the record id.
func (s *Service) Icon(ctx context.Context, id string) (*IconResolution, Meta, error) {
	n, ok := discovery.ParseID(id)
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	type found struct {
		icon *IconResolution
		meta Meta
	}
	r, err := bridge.Do(ctx, s.run, func(context.Context) (found, error) {
		v, err := s.resolve(n)
		if err != nil {
			return found{}, err
		}
		meta := MetaOf(s.in, n, v)
		icon, ok := FindIcon(s.in, v)
		if !ok {
			return found{meta: meta}, fmt.Errorf("%w: %s", ErrNoIcon, n)
		}
		return found{icon: icon, meta: meta}, nil
	})
	return r.icon, r.meta, err
}

// Hydrate extracts the live records of the store and force-loads the rest.
// It returns how many records the lookups added.
func (s *Service) Hydrate(ctx context.Context) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	return s.currentLoader().Load(ctx)
}

// Records returns every hydrated record, sorted by identifier.
func (s *Service) Records() []discovery.Record {
	l := s.currentLoader()
	if l == nil {
		return nil
	}
	return l.Records()
}

// Fallback collects records from the holder's best-ranked collection. It is
// used when no identifier-keyed store can be located.
func (s *Service) Fallback(ctx context.Context) ([]any, error) {
	if s.src.Holder == nil {
		return nil, ErrNoHolder
	}
	return bridge.Do(ctx, s.run, func(context.Context) ([]any, error) {
		holder, err := s.src.Holder()
		if err != nil {
			return nil, fmt.Errorf("content: reading holder: %w", err)
		}
		r, err := discovery.RankCollections(holder, discovery.DefaultAffinities, discovery.WithIntrospector(s.in))
		if err != nil {
			return nil, err
		}
		v, err := r.Member.Read()
		if err != nil {
			return nil, fmt.Errorf("content: reading %s: %w", r.Member.Name, err)
		}
		vals, err := discovery.Values(v)
		if err != nil {
			log.Warningf("enumerating %s: %s", r.Member.Name, err)
		}
		out := make([]any, 0, len(vals))
		for _, ev := range vals {
			rv, ok := s.src.Unwrap(ev)
			if !ok {
				continue
			}
			if x, ok := introspect.Interface(rv); ok {
				out = append(out, x)
			}
		}
		log.Infof("fallback collection %s (score %d): %d records", r.Member.Name, r.Score, len(out))
		return out, nil
	})
}

// Dump renders v with the service's dump options.
func (s *Service) Dump(v any) dump.Node {
	return dump.Dump(v, s.dump)
}

// MetaOf describes v.
func (s *Service) MetaOf(id string, v any) Meta {
	return MetaOf(s.in, id, v)
}

func (s *Service) currentLoader() *discovery.Loader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loader
}

func (s *Service) record(id string, v any) *Record {
	return &Record{Meta: MetaOf(s.in, id, v), Data: dump.Dump(v, s.dump)}
}

// resolve runs on the owner. Hydrated records are served from the loader.
func (s *Service) resolve(id string) (any, error) {
	if l := s.currentLoader(); l != nil {
		if v, ok := l.Get(id); ok {
			return v, nil
		}
	}
	if s.src.Lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	raw, err := s.src.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("content: lookup %s: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rv, ok := s.src.Unwrap(reflect.ValueOf(raw))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	x, ok := introspect.Interface(rv)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return x, nil
}
