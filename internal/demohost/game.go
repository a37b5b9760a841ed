// Package demohost is a small game that embeds peephole. It owns its state
// on one goroutine, the frame loop, and serves everything else through the
// bridge.
package demohost

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/internal/demohost/items"
	"github.com/chazu/peephole/server"
)

var log = commonlog.GetLogger("peephole.demohost")

const (
	// DefaultBlueprints is above the default discovery threshold.
	DefaultBlueprints = 1200
	// DefaultPreload loads every fourth blueprint up front.
	DefaultPreload = 4
)

type Vec2 struct {
	X, Y float64
}

type Unit struct {
	Name      string
	HP        int
	Pos       Vec2
	Velocity  Vec2
	Target    *Unit
	Weapon    *items.WeaponBlueprint
	Inventory []any
	Flags     map[string]bool
}

type World struct {
	Name     string
	Frame    int64
	Time     float64
	Weather  string
	Units    []*Unit
	Settings map[string]any
}

// Game is the demo host.
type Game struct {
	World   *World
	Library *Library
	Started time.Time

	bridge *bridge.Bridge
}

// New creates a game with n blueprints in its library.
func New(n int) *Game {
	lib := NewLibrary(n, DefaultPreload)
	sword, _ := lib.Blueprint(BlueprintID(0)).(*items.WeaponBlueprint)

	hero := &Unit{
		Name:     "Hero",
		HP:       42,
		Velocity: Vec2{X: 1, Y: 0.5},
		Weapon:   sword,
		Flags:    map[string]bool{"player": true},
	}
	goblin := &Unit{Name: "Goblin", HP: 7, Pos: Vec2{X: 10, Y: 4}, Velocity: Vec2{X: -0.5}}
	hero.Target, goblin.Target = goblin, hero
	if sword != nil {
		hero.Inventory = append(hero.Inventory, sword)
	}
	hero.Inventory = append(hero.Inventory, "rope", 3)

	return &Game{
		World: &World{
			Name:    "Greenvale",
			Weather: "rain",
			Units:   []*Unit{hero, goblin},
			Settings: map[string]any{
				"difficulty": "normal",
				"fov":        90,
				"vsync":      true,
			},
		},
		Library: lib,
		Started: time.Now(),
		bridge:  bridge.New(),
	}
}

// Bridge is the runner for reads of game state.
func (g *Game) Bridge() *bridge.Bridge { return g.bridge }

// Run drives the frame loop until ctx is done. Each frame advances the
// simulation and then drains the bridge.
func (g *Game) Run(ctx context.Context, frame time.Duration) error {
	g.bridge.Bind()
	log.Infof("frame loop running at %s per frame", frame)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Step(frame.Seconds())
			g.bridge.Tick(ctx)
		}
	}
}

// Step advances the simulation by dt seconds. Owner only.
func (g *Game) Step(dt float64) {
	w := g.World
	w.Frame++
	w.Time += dt
	for _, u := range w.Units {
		u.Pos.X += u.Velocity.X * dt
		u.Pos.Y += u.Velocity.Y * dt
		if math.Abs(u.Pos.X) > 100 {
			u.Velocity.X = -u.Velocity.X
		}
	}
}

// Roots lists the named entry points the inspector starts from.
func (g *Game) Roots() []server.RootSource {
	return []server.RootSource{
		{Name: "game", Get: func() (any, error) { return g, nil }},
		{Name: "world", Get: func() (any, error) { return g.World, nil }},
		{Name: "player", Get: func() (any, error) {
			if len(g.World.Units) == 0 {
				return nil, nil
			}
			return g.World.Units[0], nil
		}},
		{Name: "library", Get: func() (any, error) { return g.Library, nil }},
		{Name: "camera", Get: func() (any, error) {
			return nil, fmt.Errorf("no camera in scene %q", g.World.Name)
		}},
	}
}

// ContentSource describes the blueprint library to the content service.
func (g *Game) ContentSource() content.Source {
	return content.Source{
		Holder: func() (any, error) { return g.Library, nil },
		Lookup: func(id string) (any, error) { return g.Library.TryGet(id), nil },
		Unwrap: unwrapSlot,
	}
}
