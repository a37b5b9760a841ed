// Package export writes the equipment records of the host's content store
// to disk: one file per record, an index, a flat JSON-lines file and an
// optional SQLite index.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/dump"
	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.export")

var (
	ErrRunning   = errors.New("export: already running")
	ErrNoRecords = errors.New("export: could not locate records")
)

// Output file names inside a run directory.
const (
	IndexFile   = "index.json"
	FlatFile    = "items_flat.jsonl"
	IndexDBFile = "index.db"
	RunLogFile  = "run.log"
)

// Format is the encoding of record files.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat accepts "json" and "cbor".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCBOR:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("export: unknown format %q", s)
}

// Ext is the file extension.
func (f Format) Ext() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// Marshal encodes v in this format.
func (f Format) Marshal(v any) ([]byte, error) {
	if f == FormatCBOR {
		return dump.MarshalCBOR(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

// File is the content of one record file.
type File struct {
	Type      string    `json:"$type"`
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Data      dump.Node `json:"data"`
}

// Options configure an Exporter.
type Options struct {
	Dir    string
	Format Format
	Dump   dump.Options
	// Workers write record files concurrently.
	Workers int
	// Yield is the number of records dumped per owner call.
	Yield int
	// Pause separates owner calls.
	Pause time.Duration
	// Progress is the logging interval, in records.
	Progress int
	// Wait bounds how long Run waits for the content store to appear.
	Wait time.Duration
	// RetryInterval is the first delay between store lookups.
	RetryInterval time.Duration
	// Index also writes index.db.
	Index bool
	// Filter selects the exported record types. Nil selects equipment.
	Filter func(reflect.Type) bool
	Now    func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	o := dump.DefaultOptions()
	o.Cycle = dump.CycleStub
	return Options{
		Dir:           "exports",
		Format:        FormatJSON,
		Dump:          o,
		Workers:       4,
		Yield:         50,
		Pause:         time.Millisecond,
		Progress:      250,
		Wait:          90 * time.Second,
		RetryInterval: time.Second,
		Index:         true,
	}
}

func (o Options) normalized() Options {
	o.Workers = max(o.Workers, 1)
	o.Yield = max(o.Yield, 1)
	o.Progress = max(o.Progress, 1)
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.Filter == nil {
		o.Filter = content.IsEquipment
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Format == "" {
		o.Format = FormatJSON
	}
	return o
}

// Summary reports one export run.
type Summary struct {
	Dir      string
	Total    int
	Selected int
	Written  int
	Failed   int
	Fallback bool
}

// Exporter runs exports. Only one run is active at a time.
type Exporter struct {
	svc     *content.Service
	run     bridge.Runner
	in      introspect.Introspector
	opts    Options
	running atomic.Bool
}

// New creates an Exporter over svc. Host reads go through run.
func New(svc *content.Service, run bridge.Runner, opts Options) *Exporter {
	if run == nil {
		run = bridge.Inline{}
	}
	opts = opts.normalized()
	in := opts.Dump.Introspector
	if in == nil {
		in = introspect.Default
	}
	return &Exporter{svc: svc, run: run, in: in, opts: opts}
}

// Running reports whether an export is in progress.
func (e *Exporter) Running() bool { return e.running.Load() }

// Run exports into a new timestamped directory named after reason. It
// returns ErrRunning if another run is in progress.
func (e *Exporter) Run(ctx context.Context, reason string) (*Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		log.Warningf("export already running")
		return nil, ErrRunning
	}
	defer e.running.Store(false)

	dir := RunDir(e.opts.Dir, e.opts.Now(), reason)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("export: creating %s: %w", dir, err)
	}
	rl := openRunLog(dir)
	defer rl.Close()
	rl.Printf("export starting, output: %s", dir)

	sum, err := e.export(ctx, dir, rl)
	if err != nil {
		rl.Printf("FATAL: %s", err)
		return sum, err
	}
	rl.Printf("export completed: %d written, %d failed", sum.Written, sum.Failed)
	return sum, nil
}

func (e *Exporter) export(ctx context.Context, dir string, rl *runLog) (*Summary, error) {
	sum := &Summary{Dir: dir}
	recs, fallback, err := e.collect(ctx, rl)
	if err != nil {
		return sum, err
	}
	sum.Total, sum.Fallback = len(recs), fallback
	rl.Printf("total records: %d", len(recs))

	var targets []discovery.Record
	for _, r := range recs {
		if e.opts.Filter(reflect.TypeOf(r.Value)) {
			targets = append(targets, r)
		}
	}
	sum.Selected = len(targets)
	rl.Printf("selected records: %d", len(targets))

	index, flat, failed, err := e.write(ctx, dir, targets, rl)
	sum.Written, sum.Failed = len(index), failed
	if err != nil {
		return sum, err
	}

	b, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return sum, fmt.Errorf("export: encoding index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFile), b, 0644); err != nil {
		return sum, fmt.Errorf("export: writing index: %w", err)
	}

	if e.opts.Index {
		if err := writeIndexDB(ctx, filepath.Join(dir, IndexDBFile), index, flat); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// collect waits for the content store and hydrates it. When the store
// cannot be located it falls back to the best-ranked collection.
func (e *Exporter) collect(ctx context.Context, rl *runLog) ([]discovery.Record, bool, error) {
	werr := e.waitForStore(ctx, rl)
	if werr == nil {
		n, err := e.svc.Hydrate(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("export: hydrating: %w", err)
		}
		rl.Printf("force-loaded %d records", n)
		if recs := e.svc.Records(); len(recs) > 0 {
			return recs, false, nil
		}
		rl.Printf("content store is empty, trying collections")
	} else {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		rl.Printf("content store unavailable (%s), trying collections", werr)
	}

	recs, err := e.fallback(ctx)
	if err != nil {
		rl.Printf("collection fallback failed: %s", err)
	}
	if len(recs) == 0 {
		return nil, true, ErrNoRecords
	}
	return recs, true, nil
}

func (e *Exporter) waitForStore(ctx context.Context, rl *runLog) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if e.opts.Wait > 0 {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(e.opts.RetryInterval),
			backoff.WithMaxInterval(10*e.opts.RetryInterval),
			backoff.WithMaxElapsedTime(e.opts.Wait),
		)
	}
	return backoff.RetryNotify(func() error {
		err := e.svc.Init(ctx)
		if errors.Is(err, content.ErrNoHolder) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		rl.Printf("content store not ready (%s), retrying in %s", err, d.Round(time.Millisecond))
	})
}

// idMembers are tried in order for the identifier of a fallback record.
var idMembers = []string{"AssetGuid", "Guid", "GUID", "ID", "Id"}

func (e *Exporter) fallback(ctx context.Context) ([]discovery.Record, error) {
	vals, err := e.svc.Fallback(ctx)
	if err != nil {
		return nil, err
	}
	return bridge.Do(ctx, e.run, func(context.Context) ([]discovery.Record, error) {
		out := make([]discovery.Record, 0, len(vals))
		for i, v := range vals {
			out = append(out, discovery.Record{ID: e.recordID(v, i), Value: v})
		}
		return out, nil
	})
}

func (e *Exporter) recordID(v any, i int) string {
	rv := reflect.ValueOf(v)
	for _, name := range idMembers {
		m, ok := introspect.MemberByName(e.in, rv, name)
		if !ok {
			continue
		}
		mv, err := m.Read()
		if err != nil {
			continue
		}
		mv = introspect.Unwrap(mv)
		if id, ok := discovery.KeyID(mv); ok {
			return id
		}
		if mv.IsValid() && mv.Kind() == reflect.String {
			if id, ok := discovery.ParseID(mv.String()); ok {
				return id
			}
		}
	}
	return fmt.Sprintf("unidentified-%d", i)
}

type job struct {
	meta content.Meta
	data dump.Node
	flat map[string]any
}

// prepare dumps one record. It runs on the owner.
func (e *Exporter) prepare(r discovery.Record) (j job, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("export: dumping %s: %v", r.ID, p)
		}
	}()
	meta := e.svc.MetaOf(r.ID, r.Value)
	return job{
		meta: meta,
		data: dump.Dump(r.Value, e.opts.Dump),
		flat: Flatten(e.in, meta, r.Value),
	}, nil
}

// write dumps targets in owner batches and hands the results to a pool of
// file writers. Flat lines are appended in target order.
func (e *Exporter) write(ctx context.Context, dir string, targets []discovery.Record, rl *runLog) ([]IndexEntry, map[string]map[string]any, int, error) {
	flatFile, err := os.Create(filepath.Join(dir, FlatFile))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("export: creating %s: %w", FlatFile, err)
	}
	defer flatFile.Close()
	flatEnc := json.NewEncoder(flatFile)

	var (
		mu     sync.Mutex
		index  []IndexEntry
		failed int
		flat   = make(map[string]map[string]any, len(targets))
	)
	fail := func(id string, err error) {
		mu.Lock()
		failed++
		mu.Unlock()
		rl.Printf("failed to export %s: %s", id, err)
	}

	jobs := make(chan job, 2*e.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for range e.opts.Workers {
		g.Go(func() error {
			for j := range jobs {
				entry, err := e.writeRecord(dir, j)
				if err != nil {
					fail(j.meta.ID, err)
					continue
				}
				mu.Lock()
				index = append(index, entry)
				mu.Unlock()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		total := len(targets)
		for start := 0; start < total; start += e.opts.Yield {
			batch := targets[start:min(start+e.opts.Yield, total)]
			type prepared struct {
				jobs []job
				errs map[string]error
			}
			out, err := bridge.Do(gctx, e.run, func(context.Context) (prepared, error) {
				p := prepared{errs: map[string]error{}}
				for _, r := range batch {
					j, err := e.prepare(r)
					if err != nil {
						p.errs[r.ID] = err
						continue
					}
					p.jobs = append(p.jobs, j)
				}
				return p, nil
			})
			if err != nil {
				return fmt.Errorf("export: dumping batch at %d: %w", start, err)
			}
			for id, err := range out.errs {
				fail(id, err)
			}
			for i := range batch {
				if n := start + i; n%e.opts.Progress == 0 {
					rl.Printf("processed %d/%d", n, total)
				}
			}
			for _, j := range out.jobs {
				if err := flatEnc.Encode(j.flat); err != nil {
					log.Warningf("writing flat record %s: %s", j.meta.ID, err)
				}
				flat[j.meta.ID] = j.flat
				select {
				case jobs <- j:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if start+len(batch) < total {
				if err := sleep(gctx, e.opts.Pause); err != nil {
					return err
				}
			}
		}
		return nil
	})

	err = g.Wait()
	slices.SortFunc(index, func(a, b IndexEntry) int { return strings.Compare(a.GUID, b.GUID) })
	return index, flat, failed, err
}

func (e *Exporter) writeRecord(dir string, j job) (IndexEntry, error) {
	rel := RecordPath(j.meta.Namespace, j.meta.Type, j.meta.Name, j.meta.ID, e.opts.Format)
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return IndexEntry{}, err
	}
	full := fullType(j.meta)
	b, err := e.opts.Format.Marshal(File{
		Type:      full,
		GUID:      j.meta.ID,
		Name:      j.meta.Name,
		Namespace: j.meta.Namespace,
		Data:      j.data,
	})
	if err != nil {
		return IndexEntry{}, err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return IndexEntry{}, err
	}
	return IndexEntry{
		GUID:      j.meta.ID,
		Name:      j.meta.Name,
		Type:      j.meta.Type,
		Namespace: j.meta.Namespace,
		FullType:  full,
		File:      filepath.ToSlash(rel),
	}, nil
}

func writeIndexDB(ctx context.Context, path string, index []IndexEntry, flat map[string]map[string]any) error {
	db, err := OpenIndex(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer db.Close()
	if err := db.Write(ctx, index, flat); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
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

// runLog mirrors progress messages into run.log inside the run directory.
type runLog struct {
	mu sync.Mutex
	f  *os.File
}

func openRunLog(dir string) *runLog {
	f, err := os.OpenFile(filepath.Join(dir, RunLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warningf("cannot open run log: %s", err)
		return &runLog{}
	}
	return &runLog{f: f}
}

func (r *runLog) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Infof("%s", msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		fmt.Fprintf(r.f, "[%s] %s\n", time.Now().Format("15:04:05"), msg)
	}
}

func (r *runLog) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}
