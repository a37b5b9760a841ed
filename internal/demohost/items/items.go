// Package items holds the equipment blueprints of the demo host.
package items

import (
	"errors"
	"image"
	"image/color"
)

// Component is one behavior attached to a blueprint.
type Component interface {
	ComponentName() string
}

type WeightComponent struct {
	Kilograms float64
}

func (WeightComponent) ComponentName() string { return "weight" }

type PriceComponent struct {
	Gold int
}

func (PriceComponent) ComponentName() string { return "price" }

type EnchantmentComponent struct {
	School string
	Power  int
}

func (EnchantmentComponent) ComponentName() string { return "enchantment" }

// Sprite is a loaded texture.
type Sprite struct {
	Name    string
	Texture image.Image
}

// SpriteLink references a sprite that is only built on first Load.
type SpriteLink struct {
	AssetID string
	Tint    color.RGBA
	Missing bool

	sprite *Sprite
}

// ErrMissingAsset is returned by Load for links to assets that do not exist.
var ErrMissingAsset = errors.New("items: missing asset")

// Load returns the linked sprite, building it the first time.
func (l *SpriteLink) Load() (*Sprite, error) {
	if l.Missing {
		return nil, ErrMissingAsset
	}
	if l.sprite == nil {
		l.sprite = &Sprite{Name: l.AssetID, Texture: Swatch(l.Tint, 16)}
	}
	return l.sprite, nil
}

// Swatch is a size x size image filled with c and framed in black.
func Swatch(c color.RGBA, size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			if x == 0 || y == 0 || x == size-1 || y == size-1 {
				img.Set(x, y, color.RGBA{A: 255})
				continue
			}
			img.Set(x, y, c)
		}
	}
	return img
}

type WeaponBlueprint struct {
	AssetGuid  string
	Name       string
	Damage     int
	Range      float32
	TwoHanded  bool
	Components []Component
	Icon       *SpriteLink
}

type ArmorBlueprint struct {
	AssetGuid  string
	Name       string
	ArmorClass int
	Components []Component
	Icon       image.Image
}

// BlueprintRing is equipment by package and name prefix only.
type BlueprintRing struct {
	AssetGuid  string
	Name       string
	Components []Component
	Icon       *Sprite
}
