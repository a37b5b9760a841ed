package demohost

import (
	"fmt"
	"image/color"
	"reflect"

	"github.com/google/uuid"

	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/internal/demohost/items"
)

// blueprintSpace seeds the deterministic blueprint identifiers.
var blueprintSpace = uuid.MustParse("5b0e8a52-3c1d-4f7e-9a61-0d2c4b6e8f10")

// FeatureBlueprint is a non-equipment record.
type FeatureBlueprint struct {
	AssetGuid string
	Name      string
	Level     int
	Prereq    *FeatureBlueprint
}

// UnitBlueprint describes a spawnable unit.
type UnitBlueprint struct {
	AssetGuid string
	Name      string
	HP        int
	Speed     float64
	Starting  []any
}

// slot is one library entry. Value stays nil until the blueprint is loaded.
type slot struct {
	Guid  string
	index int
	Value any
}

var slotType = reflect.TypeOf((*slot)(nil))

// Library is the blueprint cache. Only part of it is loaded up front; the
// rest fills in through TryGet.
type Library struct {
	Name   string
	Loads  int
	loaded map[string]*slot
	tags   map[string]int
}

// BlueprintID is the identifier of the i-th generated blueprint.
func BlueprintID(i int) string {
	return uuid.NewSHA1(blueprintSpace, fmt.Appendf(nil, "blueprint-%d", i)).String()
}

// NewLibrary generates n blueprints and loads every preload-th one.
func NewLibrary(n, preload int) *Library {
	l := &Library{
		Name:   "BlueprintsCache",
		loaded: make(map[string]*slot, n),
		tags:   map[string]int{"weapon": 0, "armor": 0, "ring": 0, "feature": 0, "unit": 0},
	}
	for i := range n {
		s := &slot{Guid: BlueprintID(i), index: i}
		if preload > 0 && i%preload == 0 {
			s.Value = l.build(s)
		}
		l.loaded[s.Guid] = s
	}
	return l
}

// Len is the number of known blueprints, loaded or not.
func (l *Library) Len() int { return len(l.loaded) }

// Loaded is the number of blueprints in memory.
func (l *Library) Loaded() int {
	n := 0
	for _, s := range l.loaded {
		if s.Value != nil {
			n++
		}
	}
	return n
}

// TryGet loads the blueprint id (any common spelling) and returns its
// slot, or nil when the library does not know it. Owner only.
func (l *Library) TryGet(id string) any {
	u, err := uuid.Parse(discovery.Normalize(id))
	if err != nil {
		return nil
	}
	s, ok := l.loaded[u.String()]
	if !ok {
		return nil
	}
	if s.Value == nil {
		s.Value = l.build(s)
		l.Loads++
	}
	return s
}

// Blueprint returns the loaded blueprint id, or nil.
func (l *Library) Blueprint(id string) any {
	if s, ok := l.TryGet(id).(*slot); ok {
		return s.Value
	}
	return nil
}

func (l *Library) build(s *slot) any {
	i := s.index
	tint := color.RGBA{R: uint8(i * 37), G: uint8(i * 91), B: uint8(i * 53), A: 255}
	switch i % 5 {
	case 0:
		l.tags["weapon"]++
		return &items.WeaponBlueprint{
			AssetGuid: s.Guid,
			Name:      fmt.Sprintf("Sword %d", i),
			Damage:    4 + i%9,
			Range:     1.5,
			TwoHanded: i%2 == 0,
			Components: []items.Component{
				&items.WeightComponent{Kilograms: 1.2},
				&items.PriceComponent{Gold: 10 + i},
			},
			Icon: &items.SpriteLink{AssetID: "sword-" + s.Guid[:8], Tint: tint, Missing: i%35 == 0},
		}
	case 1:
		l.tags["armor"]++
		return &items.ArmorBlueprint{
			AssetGuid:  s.Guid,
			Name:       fmt.Sprintf("Mail %d", i),
			ArmorClass: 2 + i%6,
			Components: []items.Component{&items.WeightComponent{Kilograms: 9}},
			Icon:       items.Swatch(tint, 16),
		}
	case 2:
		l.tags["ring"]++
		return &items.BlueprintRing{
			AssetGuid: s.Guid,
			Name:      fmt.Sprintf("Ring %d", i),
			Components: []items.Component{
				&items.EnchantmentComponent{School: "abjuration", Power: i % 4},
				&items.PriceComponent{Gold: 250},
			},
			Icon: &items.Sprite{Name: "ring", Texture: items.Swatch(tint, 8)},
		}
	case 3:
		l.tags["feature"]++
		f := &FeatureBlueprint{AssetGuid: s.Guid, Name: fmt.Sprintf("Feat %d", i), Level: 1 + i%20}
		f.Prereq = f
		return f
	default:
		l.tags["unit"]++
		return &UnitBlueprint{AssetGuid: s.Guid, Name: fmt.Sprintf("Goblin %d", i), HP: 7, Speed: 1.5}
	}
}

// unwrapSlot extracts the blueprint from a library slot.
var unwrapSlot = discovery.UnwrapVia(nil, func(v reflect.Value) bool {
	return v.Type() != slotType
}, "Value")
