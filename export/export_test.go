package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/discovery"
)

// ---------------------------------------------------------------------------
// Host fixture
// ---------------------------------------------------------------------------

type damageComponent struct{ Dice string }
type enchantComponent struct{ Bonus int }

type WeaponBlueprint struct {
	Name       string
	Damage     int
	Weight     *float64
	Components []any
	self       *WeaponBlueprint
}

type ArmorBlueprint struct {
	Guid string
	Name string
	AC   int
}

type FeatureBlueprint struct {
	Name string
}

type library struct {
	entries          map[string]any
	loadedBlueprints []any
}

const (
	weaponID  = "aa000000-0000-4000-8000-000000000001"
	armorID   = "aa000000-0000-4000-8000-000000000002"
	featureID = "aa000000-0000-4000-8000-000000000003"
	goneID    = "aa000000-0000-4000-8000-000000000004"
)

func norm(id string) string { return discovery.Normalize(id) }

func records() map[string]any {
	w := 3.5
	weapon := &WeaponBlueprint{
		Name:       "Long/sword",
		Damage:     8,
		Weight:     &w,
		Components: []any{&damageComponent{Dice: "1d8"}, &enchantComponent{Bonus: 1}, nil, &damageComponent{}},
	}
	weapon.self = weapon
	return map[string]any{
		norm(weaponID):  weapon,
		norm(armorID):   &ArmorBlueprint{Guid: armorID, Name: "Chain Shirt", AC: 4},
		norm(featureID): &FeatureBlueprint{Name: "Power Attack"},
	}
}

func newLibrary() *library {
	return &library{entries: map[string]any{weaponID: nil, armorID: nil, featureID: nil, goneID: nil}}
}

func newService(holder func() (any, error)) *content.Service {
	recs := records()
	return content.New(content.Source{
		Holder: holder,
		Lookup: func(id string) (any, error) { return recs[id], nil },
	}, nil, content.WithThreshold(2), content.WithLoaderOptions(discovery.WithPause(0)))
}

var stamp = time.Date(2026, 10, 18, 12, 30, 45, 0, time.UTC)

func testOptions(dir string) Options {
	o := DefaultOptions()
	o.Dir = dir
	o.Yield = 1
	o.Pause = 0
	o.Wait = 0
	o.Now = func() time.Time { return stamp }
	return o
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_WritesEverything(t *testing.T) {
	lib := newLibrary()
	svc := newService(func() (any, error) { return lib, nil })
	base := t.TempDir()
	e := New(svc, nil, testOptions(base))

	sum, err := e.Run(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "2026-10-18-123045-manual"), sum.Dir)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Selected)
	assert.Equal(t, 2, sum.Written)
	assert.Zero(t, sum.Failed)
	assert.False(t, sum.Fallback)
	assert.False(t, e.Running())

	// Record file.
	ns := "github.com/chazu/peephole/export"
	rel := RecordPath(ns, "WeaponBlueprint", "Long/sword", norm(weaponID), FormatJSON)
	assert.Equal(t, filepath.Join("github.com", "chazu", "peephole", "export", "WeaponBlueprint", "Long_sword_"+norm(weaponID)+".json"), rel)
	var file map[string]any
	readJSON(t, filepath.Join(sum.Dir, rel), &file)
	assert.Equal(t, ns+".WeaponBlueprint", file["$type"])
	assert.Equal(t, norm(weaponID), file["guid"])
	assert.Equal(t, "Long/sword", file["name"])
	assert.Equal(t, ns, file["namespace"])
	data := file["data"].(map[string]any)
	assert.EqualValues(t, 8, data["Damage"])
	// The self reference is a stub, not a repeated dump.
	assert.Equal(t, map[string]any{"$ref": "export.WeaponBlueprint"}, data["self"])

	// Index.
	var index []IndexEntry
	readJSON(t, filepath.Join(sum.Dir, IndexFile), &index)
	require.Len(t, index, 2)
	assert.Equal(t, norm(weaponID), index[0].GUID)
	assert.Equal(t, filepath.ToSlash(rel), index[0].File)
	assert.Equal(t, "ArmorBlueprint", index[1].Type)
	assert.Equal(t, ns+".ArmorBlueprint", index[1].FullType)

	// Flat records.
	f, err := os.Open(filepath.Join(sum.Dir, FlatFile))
	require.NoError(t, err)
	defer f.Close()
	var flat []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		flat = append(flat, rec)
	}
	require.Len(t, flat, 2)
	weapon := flat[0]
	assert.Equal(t, norm(weaponID), weapon["guid"])
	assert.Equal(t, ns+".WeaponBlueprint", weapon["type"])
	assert.EqualValues(t, 8, weapon["Damage"])
	assert.EqualValues(t, 3.5, weapon["Weight"])
	assert.NotContains(t, weapon, "self")
	assert.Equal(t, []any{ns + ".damageComponent", ns + ".enchantComponent"}, weapon["components"])

	// SQLite index.
	db, err := OpenIndex(filepath.Join(sum.Dir, IndexDBFile))
	require.NoError(t, err)
	defer db.Close()
	n, err := db.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	entry, err := db.Lookup(context.Background(), norm(armorID))
	require.NoError(t, err)
	assert.Equal(t, "Chain Shirt", entry.Name)

	// Run log.
	logText, err := os.ReadFile(filepath.Join(sum.Dir, RunLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(logText), "processed 0/2")
	assert.Contains(t, string(logText), "export completed: 2 written, 0 failed")
}

func TestRun_CBOR(t *testing.T) {
	lib := newLibrary()
	svc := newService(func() (any, error) { return lib, nil })
	opts := testOptions(t.TempDir())
	opts.Format = FormatCBOR
	opts.Index = false
	e := New(svc, nil, opts)

	sum, err := e.Run(context.Background(), "auto")
	require.NoError(t, err)

	rel := RecordPath("github.com/chazu/peephole/export", "ArmorBlueprint", "Chain Shirt", norm(armorID), FormatCBOR)
	assert.True(t, strings.HasSuffix(rel, ".cbor"))
	b, err := os.ReadFile(filepath.Join(sum.Dir, rel))
	require.NoError(t, err)
	var file map[string]any
	require.NoError(t, cbor.Unmarshal(b, &file))
	assert.Equal(t, norm(armorID), file["guid"])
	assert.Equal(t, "Chain Shirt", file["name"])

	_, err = os.Stat(filepath.Join(sum.Dir, IndexDBFile))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_ThroughBridge(t *testing.T) {
	lib := newLibrary()
	b := bridge.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Loop(ctx, time.Millisecond) }()

	recs := records()
	svc := content.New(content.Source{
		Holder: func() (any, error) { return lib, nil },
		Lookup: func(id string) (any, error) {
			if !b.OnOwner() {
				t.Error("lookup ran off the owner goroutine")
			}
			return recs[id], nil
		},
	}, b, content.WithThreshold(2))
	opts := testOptions(t.TempDir())
	opts.Workers = 2
	e := New(svc, b, opts)

	sum, err := e.Run(ctx, "bridge")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Written)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	svc := newService(func() (any, error) { return newLibrary(), nil })
	e := New(svc, nil, testOptions(t.TempDir()))
	e.running.Store(true)

	_, err := e.Run(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrRunning)
}

func TestRun_WaitsForStore(t *testing.T) {
	lib := newLibrary()
	attempts := 0
	svc := newService(func() (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("still loading")
		}
		return lib, nil
	})
	opts := testOptions(t.TempDir())
	opts.Wait = 10 * time.Second
	opts.RetryInterval = time.Millisecond
	e := New(svc, nil, opts)

	sum, err := e.Run(context.Background(), "auto")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, sum.Written)
}

func TestRun_FallsBackToCollections(t *testing.T) {
	recs := records()
	lib := &library{loadedBlueprints: []any{recs[norm(armorID)], recs[norm(featureID)]}}
	svc := newService(func() (any, error) { return lib, nil })
	e := New(svc, nil, testOptions(t.TempDir()))

	sum, err := e.Run(context.Background(), "auto")
	require.NoError(t, err)
	assert.True(t, sum.Fallback)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Written)

	var index []IndexEntry
	readJSON(t, filepath.Join(sum.Dir, IndexFile), &index)
	require.Len(t, index, 1)
	// The identifier comes from the record's own Guid member.
	assert.Equal(t, norm(armorID), index[0].GUID)
}

func TestRun_NoRecords(t *testing.T) {
	svc := newService(func() (any, error) { return &struct{ Label string }{}, nil })
	e := New(svc, nil, testOptions(t.TempDir()))

	sum, err := e.Run(context.Background(), "auto")
	assert.ErrorIs(t, err, ErrNoRecords)
	logText, rerr := os.ReadFile(filepath.Join(sum.Dir, RunLogFile))
	require.NoError(t, rerr)
	assert.Contains(t, string(logText), "FATAL")
}

// ---------------------------------------------------------------------------
// Layout / Flatten
// ---------------------------------------------------------------------------

func TestLayout(t *testing.T) {
	assert.Equal(t, "a_b_c", Sanitize("a/b:c"))
	assert.Equal(t, "a_b", Sanitize("a<>|b"))
	assert.Equal(t, "unnamed", Sanitize(""))
	assert.Equal(t, "unnamed", Sanitize("???"))

	assert.Equal(t, "(no_namespace)", NamespaceDir(""))
	assert.Equal(t, filepath.Join("a", "b", "c", "d"), NamespaceDir("a/b/c/d/e/f"))
	assert.Equal(t, "main", NamespaceDir("main"))

	assert.Equal(t, filepath.Join("out", "2026-10-18-123045-manual"), RunDir("out", stamp, "manual"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CBOR")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	type noComponents struct {
		Label   string
		Count   uint8
		Nested  struct{ X int }
		Missing *int
	}
	meta := content.Meta{ID: "id", Name: "n", Type: "noComponents"}
	rec := Flatten(nil, meta, &noComponents{Label: "x", Count: 2})
	assert.Equal(t, map[string]any{
		"guid":      "id",
		"name":      "n",
		"type":      "noComponents",
		"namespace": "",
		"Label":     "x",
		"Count":     uint64(2),
	}, rec)
}

func TestFlatten_NullableScalars(t *testing.T) {
	type nullable struct {
		Weight *float64
		Rank   *int
		Owner  *struct{ Name string }
	}
	w := 2.5
	rec := Flatten(nil, content.Meta{ID: "id"}, &nullable{Weight: &w, Owner: &struct{ Name string }{"x"}})
	assert.Equal(t, 2.5, rec["Weight"])
	assert.NotContains(t, rec, "Rank")
	assert.NotContains(t, rec, "Owner")
}
