package entity

import (
	"fmt"
	"strings"
)

// Type is the closed set of entity variants. The numbering is wire-visible.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeBox
	TypeSphere
	TypeModel
	TypeText
	TypeWeb
)

var typeNames = map[Type]string{
	TypeBox:    "Box",
	TypeSphere: "Sphere",
	TypeModel:  "Model",
	TypeText:   "Text",
	TypeWeb:    "Web",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func ParseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Registry is the property table for one variant: the core properties
// followed by the variant's extensions, in canonical order.
type Registry struct {
	typ    Type
	order  []*Descriptor
	slot   map[PropertyID]int
	byName map[string]PropertyID
	all    PropertyFlags
}

var registries = map[Type]*Registry{}

func init() {
	registries[TypeBox] = newRegistry(TypeBox, colorProp)
	registries[TypeSphere] = newRegistry(TypeSphere, colorProp)
	registries[TypeModel] = newRegistry(TypeModel, modelProps...)
	registries[TypeText] = newRegistry(TypeText, textProps...)
	registries[TypeWeb] = newRegistry(TypeWeb, webProps...)
}

func newRegistry(t Type, ext ...Descriptor) *Registry {
	r := &Registry{
		typ:    t,
		slot:   map[PropertyID]int{},
		byName: map[string]PropertyID{},
	}
	add := func(d Descriptor) {
		if _, dup := r.slot[d.ID]; dup || d.ID == PropInvalid {
			panic(fmt.Sprintf("entity: bad property id %d (%s)", d.ID, d.Name))
		}
		if len(r.order) > 0 && r.order[len(r.order)-1].ID >= d.ID {
			panic(fmt.Sprintf("entity: property %s out of canonical order", d.Name))
		}
		dd := d
		r.slot[d.ID] = len(r.order)
		r.order = append(r.order, &dd)
		r.byName[d.Name] = d.ID
		r.all.Set(d.ID)
	}
	for _, d := range coreTable {
		add(d)
	}
	for _, d := range ext {
		add(d)
	}
	return r
}

// RegistryFor returns the table for t, or nil for an unknown variant.
func RegistryFor(t Type) *Registry { return registries[t] }

func (r *Registry) Type() Type { return r.typ }

// All is every property this variant carries.
func (r *Registry) All() PropertyFlags { return r.all }

func (r *Registry) Lookup(id PropertyID) (*Descriptor, bool) {
	i, ok := r.slot[id]
	if !ok {
		return nil, false
	}
	return r.order[i], true
}

func (r *Registry) ByName(name string) (PropertyID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Descriptors lists the table in canonical order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.order))
	for i, d := range r.order {
		out[i] = *d
	}
	return out
}

// PhysicsProperties is the subset guarded by last-applied timestamps.
func (r *Registry) PhysicsProperties() PropertyFlags {
	var f PropertyFlags
	for _, d := range r.order {
		if d.Physics {
			f.Set(d.ID)
		}
	}
	return f
}
