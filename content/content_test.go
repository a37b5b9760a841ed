package content

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/dump"
)

// ---------------------------------------------------------------------------
// Host fixture
// ---------------------------------------------------------------------------

type sprite struct {
	Texture image.Image
}

type spriteLink struct {
	target *sprite
}

func (l *spriteLink) Load() (*sprite, error) {
	if l.target == nil {
		return nil, errors.New("asset missing")
	}
	return l.target, nil
}

type WeaponBlueprint struct {
	Name   string
	Damage int
	Icon   *spriteLink
}

type ArmorBlueprint struct {
	Name string
	AC   int
	Icon image.Image
}

type FeatureBlueprint struct {
	name  string
	Level int
}

type entry struct {
	Record any
}

type library struct {
	Title            string
	entries          map[string]*entry
	loadedBlueprints []any
}

const (
	weaponID  = "1F5C2A90-0000-4000-8000-000000000001"
	armorID   = "1F5C2A90-0000-4000-8000-000000000002"
	featureID = "1F5C2A90-0000-4000-8000-000000000003"
	goneID    = "1F5C2A90-0000-4000-8000-000000000004"
)

func norm(id string) string { return discovery.Normalize(id) }

func icon() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

type fixture struct {
	lib     *library
	records map[string]any
	lookups int
	holders int
}

func newFixture() *fixture {
	f := &fixture{
		records: map[string]any{
			norm(weaponID):  &WeaponBlueprint{Name: "Longsword", Damage: 8, Icon: &spriteLink{target: &sprite{Texture: icon()}}},
			norm(armorID):   &ArmorBlueprint{Name: "Chain Shirt", AC: 4, Icon: icon()},
			norm(featureID): &FeatureBlueprint{name: "Power Attack", Level: 1},
		},
	}
	f.lib = &library{
		Title: "blueprints",
		entries: map[string]*entry{
			weaponID:  {},
			armorID:   {},
			featureID: {},
			goneID:    {},
		},
	}
	return f
}

func (f *fixture) source() Source {
	return Source{
		Holder: func() (any, error) {
			f.holders++
			return f.lib, nil
		},
		Lookup: func(id string) (any, error) {
			f.lookups++
			rec, ok := f.records[id]
			if !ok {
				return nil, nil
			}
			return &entry{Record: rec}, nil
		},
		Unwrap: discovery.UnwrapVia(nil, func(v reflect.Value) bool {
			_, isEntry := v.Interface().(*entry)
			return !isEntry
		}, "Record"),
	}
}

func newService(f *fixture, opts ...Option) *Service {
	opts = append([]Option{WithThreshold(2), WithLoaderOptions(discovery.WithPause(0))}, opts...)
	return New(f.source(), nil, opts...)
}

// ---------------------------------------------------------------------------
// Init / List
// ---------------------------------------------------------------------------

func TestInit_LocatesOnce(t *testing.T) {
	f := newFixture()
	s := newService(f)
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))
	assert.Equal(t, 1, f.holders)
	assert.True(t, s.Ready())

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{norm(weaponID), norm(armorID), norm(featureID), norm(goneID)}, ids)
}

func TestInit_RetriesAfterFailure(t *testing.T) {
	f := newFixture()
	calls := 0
	src := f.source()
	src.Holder = func() (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("not loaded yet")
		}
		return f.lib, nil
	}
	s := New(src, nil, WithThreshold(2))

	err := s.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded yet")
	assert.False(t, s.Ready())

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestInit_DiscoveryFailure(t *testing.T) {
	f := newFixture()
	s := newService(f, WithThreshold(100))

	_, err := s.List(context.Background())
	var failure *discovery.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, discovery.ReasonBelowThreshold, failure.Reason)
}

func TestList_OnlyIdentifiers(t *testing.T) {
	f := newFixture()
	s := newService(f)

	metas, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 4)
	for _, m := range metas {
		assert.Len(t, m.ID, 32)
		assert.Empty(t, m.Name)
		assert.Empty(t, m.Type)
		assert.Empty(t, m.Namespace)
	}
	assert.Zero(t, f.lookups)
}

// ---------------------------------------------------------------------------
// Range
// ---------------------------------------------------------------------------

func TestRange_ClampsAndSkipsMissing(t *testing.T) {
	f := newFixture()
	s := newService(f)
	ctx := context.Background()

	page, err := s.Range(ctx, -5, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 0, page.Start)
	assert.Equal(t, 4, page.Count)
	assert.Len(t, page.Records, 3)

	page, err = s.Range(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Start)
	assert.Equal(t, 0, page.Count)
	assert.Empty(t, page.Records)

	page, err = s.Range(ctx, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)
}

func TestRange_MaxRange(t *testing.T) {
	f := newFixture()
	s := newService(f, WithMaxRange(2))

	page, err := s.Range(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	assert.Len(t, page.Records, 2)
}

func TestRange_WireShape(t *testing.T) {
	f := newFixture()
	s := newService(f)

	page, err := s.Range(context.Background(), 0, 1)
	require.NoError(t, err)
	b, err := json.Marshal(page)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.EqualValues(t, 4, got["total"])
	assert.EqualValues(t, 0, got["start"])
	assert.EqualValues(t, 1, got["count"])
	bps := got["blueprints"].([]any)
	require.Len(t, bps, 1)

	rec := bps[0].(map[string]any)
	meta := rec["meta"].(map[string]any)
	assert.Equal(t, norm(weaponID), meta["id"])
	assert.Equal(t, "Longsword", meta["name"])
	assert.Equal(t, "WeaponBlueprint", meta["type"])
	assert.Equal(t, "github.com/chazu/peephole/content", meta["namespace"])

	data := rec["data"].(map[string]any)
	assert.EqualValues(t, 8, data["Damage"])
	assert.Contains(t, data["$type"], "WeaponBlueprint")
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func TestStreamEquipment(t *testing.T) {
	f := newFixture()
	s := newService(f)

	var buf bytes.Buffer
	flushes := 0
	n, err := s.StreamEquipment(context.Background(), 0, 100, &buf, func() { flushes++ })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, flushes)

	var types []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line struct {
			Meta Meta           `json:"meta"`
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.NotEmpty(t, line.Data)
		types = append(types, line.Meta.Type)
	}
	assert.Equal(t, []string{"WeaponBlueprint", "ArmorBlueprint"}, types)
}

func TestStreamEquipment_Window(t *testing.T) {
	f := newFixture()
	s := newService(f)

	var buf bytes.Buffer
	n, err := s.StreamEquipment(context.Background(), 1, 1, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "ArmorBlueprint")
}

func TestIsEquipment(t *testing.T) {
	assert.True(t, IsEquipment(reflect.TypeOf(&WeaponBlueprint{})))
	assert.True(t, IsEquipment(reflect.TypeOf(ArmorBlueprint{})))
	assert.False(t, IsEquipment(reflect.TypeOf(&FeatureBlueprint{})))
	assert.False(t, IsEquipment(nil))
}

// ---------------------------------------------------------------------------
// Resolve / Get
// ---------------------------------------------------------------------------

func TestMetaOf_DefaultIntrospector(t *testing.T) {
	m := MetaOf(nil, "abc", &FeatureBlueprint{name: "Power Attack"})
	assert.Equal(t, Meta{
		ID:        "abc",
		Name:      "Power Attack",
		Type:      "FeatureBlueprint",
		Namespace: "github.com/chazu/peephole/content",
	}, m)
	assert.Equal(t, Meta{ID: "x"}, MetaOf(nil, "x", nil))
}

func TestGet_Errors(t *testing.T) {
	f := newFixture()
	s := newService(f)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = s.Get(ctx, goneID)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.Get(ctx, strings.ToLower(featureID))
	require.NoError(t, err)
	assert.Equal(t, "FeatureBlueprint", rec.Meta.Type)
	assert.Equal(t, "Power Attack", rec.Meta.Name)
	data := rec.Data.(*dump.Record)
	name, ok := data.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Power Attack", name)
}

func TestResolve(t *testing.T) {
	f := newFixture()
	s := newService(f)

	v, meta, err := s.Resolve(context.Background(), weaponID)
	require.NoError(t, err)
	assert.Same(t, f.records[norm(weaponID)], v)
	assert.Equal(t, "Longsword", meta.Name)
}

func TestGet_LookupErrorIsReported(t *testing.T) {
	f := newFixture()
	src := f.source()
	src.Lookup = func(string) (any, error) { panic("host exploded") }
	s := New(src, nil, WithThreshold(2))

	_, err := s.Get(context.Background(), weaponID)
	assert.ErrorIs(t, err, bridge.ErrWorkPanicked)

	page, err := s.Range(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

// ---------------------------------------------------------------------------
// Icons
// ---------------------------------------------------------------------------

func TestFindIcon(t *testing.T) {
	res, ok := FindIcon(nil, &WeaponBlueprint{Icon: &spriteLink{target: &sprite{Texture: icon()}}})
	require.True(t, ok)
	assert.Equal(t, "root.Icon.Load().Texture", res.Path)
	assert.Equal(t, image.Rect(0, 0, 2, 2), res.Image.Bounds())

	res, ok = FindIcon(nil, &ArmorBlueprint{Icon: icon()})
	require.True(t, ok)
	assert.Equal(t, "root.Icon", res.Path)

	_, ok = FindIcon(nil, &WeaponBlueprint{Icon: &spriteLink{}})
	assert.False(t, ok)

	_, ok = FindIcon(nil, &FeatureBlueprint{})
	assert.False(t, ok)

	_, ok = FindIcon(nil, nil)
	assert.False(t, ok)
}

func TestFindIcon_DepthBound(t *testing.T) {
	type l4 struct{ Image image.Image }
	type l3 struct{ Sprite *l4 }
	type l2 struct{ Texture *l3 }
	type l1 struct{ Sprite *l2 }
	type root struct{ Icon *l1 }

	_, ok := FindIcon(nil, &root{Icon: &l1{Sprite: &l2{Texture: &l3{Sprite: &l4{Image: icon()}}}}})
	assert.False(t, ok)

	res, ok := FindIcon(nil, &root{Icon: &l1{Sprite: &l2{Texture: &l3{Sprite: nil}}}})
	assert.False(t, ok)
	assert.Nil(t, res)

	type short struct{ Icon *l3 }
	res, ok = FindIcon(nil, &short{Icon: &l3{Sprite: &l4{Image: icon()}}})
	require.True(t, ok)
	assert.Equal(t, "root.Icon.Sprite.Image", res.Path)
}

func TestServiceIcon(t *testing.T) {
	f := newFixture()
	s := newService(f)
	ctx := context.Background()

	res, meta, err := s.Icon(ctx, weaponID)
	require.NoError(t, err)
	assert.Equal(t, "root.Icon.Load().Texture", res.Path)
	assert.Equal(t, "Longsword", meta.Name)

	_, _, err = s.Icon(ctx, featureID)
	assert.ErrorIs(t, err, ErrNoIcon)

	_, _, err = s.Icon(ctx, "zz")
	assert.ErrorIs(t, err, ErrInvalidID)
}

// ---------------------------------------------------------------------------
// Hydrate / Fallback
// ---------------------------------------------------------------------------

func TestHydrate(t *testing.T) {
	f := newFixture()
	f.lib.entries[armorID].Record = f.records[norm(armorID)]
	s := newService(f)
	ctx := context.Background()

	n, err := s.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// The live armor entry needs no lookup; the missing one is still tried.
	assert.Equal(t, 3, f.lookups)

	recs := s.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, norm(weaponID), recs[0].ID)

	// Hydrated records are served without further lookups.
	_, err = s.Get(ctx, weaponID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.lookups)
}

func TestFallback(t *testing.T) {
	f := newFixture()
	f.lib.loadedBlueprints = []any{&entry{Record: f.records[norm(weaponID)]}, &entry{}}
	s := newService(f)

	recs, err := s.Fallback(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.IsType(t, &WeaponBlueprint{}, recs[0])
}

func TestService_ThroughBridge(t *testing.T) {
	f := newFixture()
	b := bridge.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Loop(ctx, time.Millisecond) }()

	src := f.source()
	lookup := src.Lookup
	src.Lookup = func(id string) (any, error) {
		if !b.OnOwner() {
			t.Error("lookup ran off the owner goroutine")
		}
		return lookup(id)
	}
	s := New(src, b, WithThreshold(2))

	page, err := s.Range(ctx, 0, 4)
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)

	var buf bytes.Buffer
	n, err := s.StreamEquipment(ctx, 0, 4, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
