package content

import (
	"image"
	"reflect"

	"github.com/chazu/peephole/introspect"
)

// IconDepth bounds the search below the icon member.
const IconDepth = 3

var (
	iconMembers   = []string{"Icon", "icon"}
	nestedMembers = []string{"Sprite", "sprite", "Icon", "icon", "Texture", "texture", "Image", "image"}
)

// IconResolution is a located icon and the member path that led to it, for
// example "root.Icon.Load().Image".
type IconResolution struct {
	Image image.Image
	Path  string
}

// FindIcon searches rec for an image behind one of its icon members. Below
// the icon member it follows Load() and sprite/texture/image style members
// up to IconDepth levels. Members that fail to read are skipped.
func FindIcon(in introspect.Introspector, rec any) (*IconResolution, bool) {
	if rec == nil {
		return nil, false
	}
	if in == nil {
		in = introspect.Default
	}
	v := reflect.ValueOf(rec)
	for _, name := range iconMembers {
		m, ok := introspect.MemberByName(in, v, name)
		if !ok {
			continue
		}
		raw, err := m.Read()
		if err != nil {
			continue
		}
		if img, suffix, ok := resolveIcon(in, raw, IconDepth); ok {
			return &IconResolution{Image: img, Path: "root" + step(m) + suffix}, true
		}
	}
	return nil, false
}

func resolveIcon(in introspect.Introspector, v reflect.Value, depth int) (image.Image, string, bool) {
	v = introspect.Unwrap(v)
	if introspect.IsNil(v) || depth < 0 {
		return nil, "", false
	}
	if x, ok := introspect.Interface(v); ok {
		if img, ok := x.(image.Image); ok {
			return img, "", true
		}
	}

	if load, ok := introspect.Method(v, "Load"); ok {
		if lv, err := load.Read(); err == nil {
			if img, sub, ok := resolveIcon(in, lv, depth-1); ok {
				return img, step(load) + sub, true
			}
		}
	}
	for _, name := range nestedMembers {
		m, ok := introspect.MemberByName(in, v, name)
		if !ok {
			continue
		}
		mv, err := m.Read()
		if err != nil {
			continue
		}
		if img, sub, ok := resolveIcon(in, mv, depth-1); ok {
			return img, step(m) + sub, true
		}
	}
	return nil, "", false
}

// step renders one path segment; getters carry call parentheses.
func step(m introspect.Member) string {
	if m.Kind == introspect.AccessorMember {
		return "." + m.Name + "()"
	}
	return "." + m.Name
}
