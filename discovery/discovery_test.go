package discovery

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/introspect"
)

type item struct {
	ID   string
	Name string
}

// slot is a lazily filled store entry.
type slot struct {
	Record *item
}

type cache struct {
	Name             string
	small            map[string]*slot
	big              map[string]*slot
	labels           map[string]string
	history          []string
	loadedBlueprints []*item
}

func idMap(n int) map[string]*slot {
	m := make(map[string]*slot, n)
	for range n {
		m[uuid.NewString()] = &slot{}
	}
	return m
}

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

func TestNormalize(t *testing.T) {
	assert.Equal(t, "abcdef", Normalize("AB-CD-EF"))
	assert.Equal(t, Normalize("AB-CD-EF"), Normalize("abcdef"))
	assert.Equal(t, "abcdef", Normalize("  abcdef \n"))

	assert.False(t, Valid("00000000000000000000000000000000"))
	assert.False(t, Valid("00000000-0000-0000-0000-000000000000"))
	assert.False(t, Valid("abcdef"))
	assert.False(t, Valid("0f8fad5bd9cb469fa16570867728950g"))
	assert.True(t, Valid("0F8FAD5B-D9CB-469F-A165-70867728950E"))

	id, ok := ParseID("0F8FAD5B-D9CB-469F-A165-70867728950E")
	assert.True(t, ok)
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", id)
}

func TestKeyID_UUIDKeys(t *testing.T) {
	u := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	id, ok := KeyID(reflect.ValueOf(u))
	assert.True(t, ok)
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", id)

	id, ok = KeyID(reflect.ValueOf([16]byte(u)))
	assert.True(t, ok)
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", id)
}

// ---------------------------------------------------------------------------
// Locate
// ---------------------------------------------------------------------------

func TestLocate_PicksLargeCandidate(t *testing.T) {
	c := &cache{small: idMap(50), big: idMap(5000), labels: map[string]string{"x": "y"}}

	store, err := Locate(c)
	require.NoError(t, err)
	assert.Equal(t, "big", store.Name)
	assert.Equal(t, 5000, store.Len())

	cands := Candidates(c)
	counts := map[string]int{}
	for _, cand := range cands {
		counts[cand.Member.Name] = cand.Count
	}
	assert.Equal(t, 50, counts["small"])
	// Counting stops once the threshold is exceeded.
	assert.Equal(t, DefaultThreshold+1, counts["big"])
	assert.Equal(t, 0, counts["labels"])
}

func TestLocate_TieBrokenBySize(t *testing.T) {
	c := &cache{small: idMap(1500), big: idMap(3000)}
	store, err := Locate(c)
	require.NoError(t, err)
	assert.Equal(t, "big", store.Name)
}

func TestLocate_Failures(t *testing.T) {
	var f *Failure

	_, err := Locate(nil)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonNoHolder, f.Reason)

	_, err = Locate(&item{})
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonNoDictionaries, f.Reason)

	_, err = Locate(&cache{small: idMap(50)})
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonBelowThreshold, f.Reason)
	assert.Contains(t, err.Error(), "below-threshold")
}

func TestLocate_StaticsAndThreshold(t *testing.T) {
	registry := idMap(20)
	store, err := Locate(&item{},
		WithThreshold(10),
		WithStatics(introspect.Static("Registry", func() (any, error) { return registry, nil })),
	)
	require.NoError(t, err)
	assert.Equal(t, "Registry", store.Name)
}

func TestStore_KeysAreNormalizedAndDistinct(t *testing.T) {
	m := map[string]int{
		"0F8FAD5B-D9CB-469F-A165-70867728950E": 1,
		"0f8fad5bd9cb469fa16570867728950e":     2,
		"not-an-id":                            3,
	}
	store, ok := StoreOf("m", m)
	require.True(t, ok)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"0f8fad5bd9cb469fa16570867728950e"}, keys)

	_, ok = StoreOf("n", 12)
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// RankCollections
// ---------------------------------------------------------------------------

func TestRankCollections(t *testing.T) {
	c := &cache{history: []string{"a"}, loadedBlueprints: []*item{{Name: "x"}}}
	r, err := RankCollections(c, DefaultAffinities)
	require.NoError(t, err)
	assert.Equal(t, "loadedBlueprints", r.Member.Name)
	assert.Equal(t, 20, r.Score)

	v, err := r.Member.Read()
	require.NoError(t, err)
	vals, err := Values(v)
	require.NoError(t, err)
	assert.Len(t, vals, 1)
}

func TestRankCollections_FallsBackToFirst(t *testing.T) {
	type holder struct {
		Label  string
		Things []int
	}
	r, err := RankCollections(&holder{}, DefaultAffinities)
	require.NoError(t, err)
	assert.Equal(t, "Things", r.Member.Name)
	assert.Equal(t, 0, r.Score)

	var f *Failure
	_, err = RankCollections(&item{}, DefaultAffinities)
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonNoCollection, f.Reason)
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

func unwrapSlot(v reflect.Value) (reflect.Value, bool) {
	return UnwrapVia(nil, func(v reflect.Value) bool {
		_, ok := v.Interface().(*item)
		return ok
	}, "Record")(v)
}

func TestLoader_ThreeKeysTwoFound(t *testing.T) {
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	m := map[string]*slot{ids[0]: {}, ids[1]: {}, ids[2]: {}}
	store, ok := StoreOf("m", m)
	require.True(t, ok)

	var calls atomic.Int32
	lookup := func(id string) (any, error) {
		calls.Add(1)
		if id == Normalize(ids[2]) {
			return nil, nil
		}
		return &item{ID: id}, nil
	}
	l := NewLoader(store, lookup, WithUnwrap(unwrapSlot), WithPause(0))

	n, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, l.Missed())
	assert.EqualValues(t, 3, calls.Load())

	rec, ok := l.Get(strings.ToUpper(ids[0]))
	require.True(t, ok)
	assert.Equal(t, Normalize(ids[0]), rec.(*item).ID)

	again, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again)
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, l.Records(), 2)
}

func TestLoader_LiveEntriesNeedNoLookup(t *testing.T) {
	live := uuid.NewString()
	lazy := uuid.NewString()
	m := map[string]*slot{live: {Record: &item{Name: "live"}}, lazy: {}}
	store, _ := StoreOf("m", m)

	var looked []string
	l := NewLoader(store, func(id string) (any, error) {
		looked = append(looked, id)
		return &slot{Record: &item{Name: "fetched"}}, nil
	}, WithUnwrap(unwrapSlot), WithPause(0))

	n, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{Normalize(lazy)}, looked)

	rec, _ := l.Get(live)
	assert.Equal(t, "live", rec.(*item).Name)
	rec, _ = l.Get(lazy)
	assert.Equal(t, "fetched", rec.(*item).Name)
}

func TestLoader_BatchesThroughBridge(t *testing.T) {
	m := idMap(25)
	store, _ := StoreOf("m", m)

	b := bridge.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Loop(ctx, time.Millisecond) }()

	var progress []Progress
	lookupFailures := 0
	l := NewLoader(store, func(id string) (any, error) {
		if !b.OnOwner() {
			t.Error("lookup ran off the owner goroutine")
		}
		if strings.HasPrefix(id, "0") {
			lookupFailures++
			return nil, errors.New("unavailable")
		}
		return &item{ID: id}, nil
	},
		WithExecutor(b),
		WithBatch(10),
		WithPause(time.Millisecond),
		WithUnwrap(unwrapSlot),
		WithProgress(func(p Progress) { progress = append(progress, p) }),
	)

	n, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, progress, 3)
	assert.Equal(t, Progress{Processed: 10, Total: 25, Loaded: progress[0].Loaded}, progress[0])
	assert.Equal(t, 25, progress[2].Processed)
	assert.Equal(t, n, progress[2].Loaded)
	assert.Equal(t, 25-lookupFailures, n)
	assert.Equal(t, lookupFailures, l.Missed())

	again, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestLoader_PanickingLookupIsAMiss(t *testing.T) {
	store, _ := StoreOf("m", idMap(2))
	l := NewLoader(store, func(string) (any, error) { panic("host exploded") }, WithPause(0), WithUnwrap(unwrapSlot))

	n, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, l.Missed())
}
