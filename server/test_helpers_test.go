package server

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/handles"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// One owner goroutine ticks a shared bridge for the whole package, the way a
// host frame loop would. Each test builds its own registry and host graph.
// ---------------------------------------------------------------------------

var testBridge *bridge.Bridge

// TestMain starts the owner loop for all server tests.
func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())
	testBridge = bridge.New()
	started := make(chan struct{})
	go func() {
		testBridge.Bind()
		close(started)
		_ = testBridge.Loop(ctx, time.Millisecond)
	}()
	<-started

	code := m.Run()

	cancel()
	os.Exit(code)
}

// ---------------------------------------------------------------------------
// Host fixture
// ---------------------------------------------------------------------------

type Vec struct{ X, Y float64 }

type Player struct {
	Name   string
	Level  int
	Pos    Vec
	Tags   []string
	Stats  map[string]int
	Avatar image.Image
}

type World struct {
	Title   string
	Players []*Player
}

type WeaponBlueprint struct {
	Name   string
	Damage int
	Icon   image.Image
}

type FeatureBlueprint struct {
	Name string
}

type cache struct {
	entries map[string]any
}

const (
	swordID   = "7A0C11E2-0000-4000-8000-000000000001"
	dodgeID   = "7A0C11E2-0000-4000-8000-000000000002"
	shieldID  = "7A0C11E2-0000-4000-8000-000000000003"
	missingID = "7A0C11E2-0000-4000-8000-0000000000FF"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	return img
}

func newWorld() *World {
	return &World{
		Title: "test world",
		Players: []*Player{
			{
				Name:   "ada",
				Level:  7,
				Pos:    Vec{X: 1.5, Y: -2},
				Tags:   []string{"admin", "tester"},
				Stats:  map[string]int{"str": 10, "dex": 14},
				Avatar: testImage(),
			},
		},
	}
}

func newCache() *cache {
	return &cache{entries: map[string]any{
		swordID:  &WeaponBlueprint{Name: "Sword", Damage: 6, Icon: testImage()},
		dodgeID:  &FeatureBlueprint{Name: "Dodge"},
		shieldID: &WeaponBlueprint{Name: "Shield Bash", Damage: 2},
	}}
}

func newContent(c *cache) *content.Service {
	lookup := func(id string) (any, error) {
		for k, v := range c.entries {
			if discovery.Normalize(k) == id {
				return v, nil
			}
		}
		return nil, nil
	}
	return content.New(content.Source{
		Holder: func() (any, error) { return c, nil },
		Lookup: lookup,
		Unwrap: discovery.UnwrapSelf,
	}, testBridge, content.WithThreshold(2), content.WithLoaderOptions(discovery.WithPause(0)))
}

// testEnv bundles a server over a fresh host graph.
type testEnv struct {
	World  *World
	Server *Server
	HTTP   *httptest.Server
}

// newTestEnv creates a server with the standard roots plus opts, served by
// an httptest server that is closed with the test.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	w := newWorld()
	roots := []RootSource{
		{Name: "world", Get: func() (any, error) { return w, nil }},
		{Name: "unloaded", Get: func() (any, error) { return nil, nil }},
		{Name: "broken", Get: func() (any, error) { return nil, errors.New("scene not ready") }},
		{Name: "panicky", Get: func() (any, error) { panic("boom") }},
	}
	opts = append([]Option{WithRoots(roots...)}, opts...)
	srv := New(testBridge, handles.NewRegistry(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{World: w, Server: srv, HTTP: ts}
}

// bg returns a context with a generous timeout for a test call.
func bg(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// typeName is the name the inspector reports for v's type.
func typeName(v any) string { return reflect.TypeOf(v).String() }

// httpClient is shared by the HTTP tests.
var httpClient = &http.Client{Timeout: 10 * time.Second}
