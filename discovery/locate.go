// Package discovery finds the identifier-keyed content store inside an
// opaque host object and hydrates every entry of it.
//
// Nothing here knows the host's field names. Locate scores every
// dictionary-shaped member by how many identifier-like keys it holds;
// RankCollections scores enumerable members by name. A Loader then resolves
// every identifier of the located store through the host's own lookup.
package discovery

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.discovery")

// DefaultThreshold is the number of identifier keys a dictionary must exceed
// to be taken for the content store.
const DefaultThreshold = 1000

// Reason enumerates why discovery failed.
type Reason string

const (
	ReasonNoHolder       Reason = "no-holder"
	ReasonNoDictionaries Reason = "no-dictionaries"
	ReasonBelowThreshold Reason = "below-threshold"
	ReasonNoCollection   Reason = "no-collection"
)

// Failure is returned when no member qualifies.
type Failure struct {
	Reason Reason
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("discovery: %s", f.Reason)
	}
	return fmt.Sprintf("discovery: %s: %s", f.Reason, f.Detail)
}

// Candidate is one dictionary-shaped member of the holder.
type Candidate struct {
	Member introspect.Member
	// Count is the number of identifier-like keys, capped at threshold+1.
	Count int
	// Size is the total number of entries.
	Size int

	dict *introspect.Dictionary
}

type settings struct {
	threshold int
	statics   []introspect.Member
	in        introspect.Introspector
}

// Option configures Locate and RankCollections.
type Option func(*settings)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(n int) Option {
	return func(s *settings) { s.threshold = n }
}

// WithStatics adds package-level members that belong to the holder.
func WithStatics(ms ...introspect.Member) Option {
	return func(s *settings) { s.statics = append(s.statics, ms...) }
}

// WithIntrospector replaces the default reflection walker.
func WithIntrospector(in introspect.Introspector) Option {
	return func(s *settings) { s.in = in }
}

func newSettings(opts []Option) *settings {
	s := &settings{threshold: DefaultThreshold, in: introspect.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// members lists every readable member of holder, exported or not, followed
// by the statics.
func (s *settings) members(holder any) []introspect.Member {
	var out []introspect.Member
	if holder != nil {
		out = s.in.Members(reflect.ValueOf(holder), introspect.Accessible)
	}
	return append(out, s.statics...)
}

// Candidates returns every dictionary-shaped member of holder with its
// identifier key count. Members that fail to read are skipped.
func Candidates(holder any, opts ...Option) []Candidate {
	return newSettings(opts).candidates(holder)
}

func (s *settings) candidates(holder any) []Candidate {
	var out []Candidate
	for _, m := range s.members(holder) {
		v, err := m.Read()
		if err != nil {
			log.Debugf("skipping member %s: %s", m.Name, err)
			continue
		}
		dict, ok := introspect.AsDictionary(v)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			Member: m,
			Count:  CountIDKeys(dict, s.threshold),
			Size:   dict.Len(),
			dict:   dict,
		})
	}
	return out
}

// CountIDKeys counts keys of d that are valid identifiers, stopping as soon
// as the count exceeds limit. A negative limit counts every key.
func CountIDKeys(d *introspect.Dictionary, limit int) int {
	n := 0
	_ = d.Range(func(k, _ reflect.Value) bool {
		if _, ok := KeyID(k); ok {
			n++
		}
		return limit < 0 || n <= limit
	})
	return n
}

// Locate finds the content store inside holder: the dictionary-shaped member
// with strictly more than the threshold of identifier keys, the largest one
// if several qualify. Otherwise it returns a *Failure.
func Locate(holder any, opts ...Option) (*Store, error) {
	if holder == nil || introspect.IsNil(reflect.ValueOf(holder)) {
		return nil, &Failure{Reason: ReasonNoHolder}
	}
	s := newSettings(opts)
	cands := s.candidates(holder)
	if len(cands) == 0 {
		return nil, &Failure{Reason: ReasonNoDictionaries, Detail: introspect.TypeName(reflect.TypeOf(holder))}
	}

	var qualifying []Candidate
	for _, c := range cands {
		if c.Count > s.threshold {
			qualifying = append(qualifying, c)
		} else {
			log.Debugf("rejecting %s: %d identifier keys", c.Member.Name, c.Count)
		}
	}
	if len(qualifying) == 0 {
		return nil, &Failure{
			Reason: ReasonBelowThreshold,
			Detail: fmt.Sprintf("%d dictionaries, none above %d identifier keys", len(cands), s.threshold),
		}
	}

	// Counts are capped, so ties fall back to the total size.
	best := slices.MaxFunc(qualifying, func(a, b Candidate) int {
		if c := cmp.Compare(a.Count, b.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Size, b.Size)
	})
	log.Infof("located content store %s (%d entries)", best.Member.Name, best.Size)
	return &Store{Name: best.Member.Name, dict: best.dict}, nil
}

// Store is a located identifier-keyed dictionary. Its methods read live host
// state and must run where that is safe.
type Store struct {
	Name string
	dict *introspect.Dictionary
}

// StoreOf wraps a dictionary-shaped value the caller already knows about.
func StoreOf(name string, v any) (*Store, bool) {
	dict, ok := introspect.AsDictionary(reflect.ValueOf(v))
	if !ok {
		return nil, false
	}
	return &Store{Name: name, dict: dict}, true
}

// Len is the number of entries, identifier-keyed or not.
func (s *Store) Len() int { return s.dict.Len() }

// Keys snapshots the distinct normalized identifier keys, sorted.
func (s *Store) Keys() ([]string, error) {
	seen := make(map[string]struct{})
	err := s.dict.Range(func(k, _ reflect.Value) bool {
		if id, ok := KeyID(k); ok {
			seen[id] = struct{}{}
		}
		return true
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, err
}

// Entry is one identifier-keyed value of a store.
type Entry struct {
	ID    string
	Value reflect.Value
}

// Entries snapshots every identifier-keyed entry, sorted by identifier.
func (s *Store) Entries() ([]Entry, error) {
	var out []Entry
	err := s.dict.Range(func(k, v reflect.Value) bool {
		if id, ok := KeyID(k); ok {
			out = append(out, Entry{ID: id, Value: v})
		}
		return true
	})
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}
