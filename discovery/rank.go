package discovery

import (
	"reflect"
	"strings"

	"github.com/chazu/peephole/introspect"
)

// Affinity scores member names containing Fragment (case-insensitively).
type Affinity struct {
	Fragment string
	Score    int
}

// DefaultAffinities prefer members named like a loaded-record collection.
var DefaultAffinities = []Affinity{
	{Fragment: "loadedblueprints", Score: 20},
	{Fragment: "blueprint", Score: 10},
}

// Ranked is an enumerable member with its name score.
type Ranked struct {
	Member introspect.Member
	Score  int
}

func score(name string, affinities []Affinity) int {
	name = strings.ToLower(name)
	best := 0
	for _, a := range affinities {
		if a.Score > best && strings.Contains(name, strings.ToLower(a.Fragment)) {
			best = a.Score
		}
	}
	return best
}

// RankCollections picks the enumerable member of holder whose name scores
// highest. If no name matches, the first enumerable member is returned with a
// score of zero. It fails only when holder has no enumerable members.
func RankCollections(holder any, affinities []Affinity, opts ...Option) (Ranked, error) {
	if holder == nil || introspect.IsNil(reflect.ValueOf(holder)) {
		return Ranked{}, &Failure{Reason: ReasonNoHolder}
	}
	s := newSettings(opts)

	best, found := Ranked{Score: -1}, false
	for _, m := range s.members(holder) {
		if !enumerable(m) {
			continue
		}
		if sc := score(m.Name, affinities); sc > best.Score {
			best, found = Ranked{Member: m, Score: sc}, true
		}
	}
	if !found {
		return Ranked{}, &Failure{Reason: ReasonNoCollection, Detail: introspect.TypeName(reflect.TypeOf(holder))}
	}
	return best, nil
}

// enumerable judges a member by its declared type, or by its value when the
// type is only known once read.
func enumerable(m introspect.Member) bool {
	t := m.Type
	if t == nil || t.Kind() == reflect.Interface {
		v, err := m.Read()
		if err != nil {
			return false
		}
		v = introspect.Unwrap(v)
		if !v.IsValid() {
			return false
		}
		t = v.Type()
	}
	if t.Kind() == reflect.String {
		return false
	}
	return introspect.IsDictionaryType(t) || introspect.IsSequenceType(t)
}

// Values reads a collection: dictionary values or sequence elements, in
// order. Elements read before a failure are returned with the error.
func Values(v reflect.Value) ([]reflect.Value, error) {
	if dict, ok := introspect.AsDictionary(v); ok {
		entries, err := dict.Entries(-1)
		out := make([]reflect.Value, len(entries))
		for i, e := range entries {
			out[i] = e.Value
		}
		return out, err
	}
	if seq, ok := introspect.AsSequence(v); ok {
		var out []reflect.Value
		err := seq.Each(func(_ int, e reflect.Value) bool {
			out = append(out, e)
			return true
		})
		return out, err
	}
	var t reflect.Type
	if v.IsValid() {
		t = v.Type()
	}
	return nil, &Failure{Reason: ReasonNoCollection, Detail: introspect.TypeName(t)}
}
