package dynamics

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type tags a physics constraint. The numbering is wire-visible.
type Type uint8

const (
	TypeNone Type = iota
	TypeOffset
	TypeSpring
	TypeHold
	TypeTravelOriented
	TypeHinge
	TypeSlider
	TypeBallSocket
	TypeConeTwist
	TypeFarGrab
)

var typeNames = map[Type]string{
	TypeOffset:         "offset",
	TypeSpring:         "spring",
	TypeHold:           "hold",
	TypeTravelOriented: "travel-oriented",
	TypeHinge:          "hinge",
	TypeSlider:         "slider",
	TypeBallSocket:     "ball-socket",
	TypeConeTwist:      "cone-twist",
	TypeFarGrab:        "far-grab",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType accepts the names String produces, case-insensitively.
func ParseType(s string) (Type, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return TypeNone, false
}

// Descriptor is the engine-facing view of an action.
type Descriptor struct {
	ID   uuid.UUID
	Type Type
	Args []byte // JSON object
}

// Handle is whatever the physics engine uses to refer to an applied action.
type Handle any

// Engine is the external physics engine. The set references it, never owns it.
type Engine interface {
	AddDynamic(entityID uuid.UUID, d Descriptor) (Handle, error)
	UpdateDynamic(h Handle, args []byte) error
	RemoveDynamic(h Handle)
}
