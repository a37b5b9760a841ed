package content

import (
	"reflect"
	"strings"

	"github.com/chazu/peephole/dump"
	"github.com/chazu/peephole/introspect"
)

// Meta identifies one content record.
type Meta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
}

// Record is a content record with its dump.
type Record struct {
	Meta Meta      `json:"meta"`
	Data dump.Node `json:"data"`
}

// Page is one window of content records.
type Page struct {
	Total   int      `json:"total"`
	Start   int      `json:"start"`
	Count   int      `json:"count"`
	Records []Record `json:"blueprints"`
}

// nameMembers are tried in order for a record's display name.
var nameMembers = []string{"Name", "name"}

// MetaOf describes rec, known under the normalized identifier id.
func MetaOf(in introspect.Introspector, id string, rec any) Meta {
	t := baseType(reflect.TypeOf(rec))
	m := Meta{ID: id}
	if t == nil {
		return m
	}
	if in == nil {
		in = introspect.Default
	}
	m.Type = t.Name()
	m.Namespace = t.PkgPath()
	v := reflect.ValueOf(rec)
	for _, name := range nameMembers {
		mem, ok := introspect.MemberByName(in, v, name)
		if !ok {
			continue
		}
		nv, err := mem.Read()
		if err != nil {
			continue
		}
		if nv = introspect.Unwrap(nv); nv.IsValid() && nv.Kind() == reflect.String {
			m.Name = nv.String()
			break
		}
	}
	return m
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// EquipmentKeywords mark a record type as equipment when its name contains
// one of them.
var EquipmentKeywords = []string{
	"Item",
	"Weapon",
	"Armor",
	"Consumable",
	"Equipment",
	"Shield",
	"Usable",
	"Accessory",
}

// IsEquipment reports whether records of type t are equipment: the type
// name contains one of EquipmentKeywords, or the type lives in an items
// package and its name starts with "Blueprint".
func IsEquipment(t reflect.Type) bool {
	t = baseType(t)
	if t == nil {
		return false
	}
	name := t.Name()
	for _, k := range EquipmentKeywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	pkg := strings.ToLower(t.PkgPath())
	inItems := strings.HasSuffix(pkg, "/items") || strings.Contains(pkg, "/items/") || pkg == "items"
	return inItems && strings.HasPrefix(name, "Blueprint")
}
