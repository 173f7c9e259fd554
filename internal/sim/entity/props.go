package entity

import (
	"math"

	"github.com/google/uuid"

	"entitysync/internal/sim/encoding"
	"entitysync/internal/sim/mathx"
	"entitysync/internal/sim/ownership"
)

type (
	PropertyID    = encoding.PropertyID
	PropertyFlags = encoding.PropertyFlags
)

// Value is a property value. Its dynamic type is fixed by the property Kind.
type Value = any

// Property ids are wire-visible. Ascending id order is the canonical
// transmission order, so identity and transform come first.
const (
	PropInvalid PropertyID = iota
	PropSimulationOwner
	PropPosition
	PropRotation
	PropVelocity
	PropAngularVelocity
	PropAcceleration
	PropDimensions
	PropDensity
	PropGravity
	PropDamping
	PropRestitution
	PropFriction
	PropLifetime
	PropScript
	PropScriptTimestamp
	PropServerScripts
	PropRegistrationPoint
	PropAngularDamping
	PropVisible
	PropCollisionless
	PropCollisionMask
	PropDynamic
	PropLocked
	PropUserData
	PropMarketplaceID
	PropItemName
	PropItemDescription
	PropItemCategories
	PropItemArtist
	PropItemLicense
	PropLimitedRun
	PropEditionNumber
	PropEntityInstanceNumber
	PropCertificateID
	PropName
	PropHref
	PropDescription
	PropActionData
	PropParentID
	PropParentJointIndex
	PropQueryAACube
	PropLastEditedBy
	PropCollisionSoundURL

	lastCoreProp
)

// Variant extension properties.
const (
	PropColor PropertyID = 64 + iota
	PropModelURL
	PropCompoundShapeURL
	PropAnimationURL
	PropAnimationFPS
	PropAnimationPlaying
	PropText
	PropLineHeight
	PropTextColor
	PropBackgroundColor
	PropSourceURL
	PropDPI
)

// Kind is the wire and in-memory representation of a property.
type Kind uint8

const (
	KindFloat Kind = iota + 1
	KindVec3
	KindQuat
	KindString
	KindBlob
	KindU64
	KindBool
	KindU8
	KindU16
	KindU32
	KindCube
	KindUUID
	KindOwner
)

// DirtyFlags are the categories the physics engine consumes.
type DirtyFlags uint32

const (
	DirtyPosition DirtyFlags = 1 << iota
	DirtyRotation
	DirtyLinearVelocity
	DirtyAngularVelocity
	DirtyMass
	DirtyCollisionGroup
	DirtyMotionType
	DirtyShape
	DirtyLifetime
	DirtyMaterial
	DirtyPhysicsActivation
	DirtySimulatorID
	DirtySimulationOwnershipPriority

	DirtyTransform  = DirtyPosition | DirtyRotation
	DirtyVelocities = DirtyLinearVelocity | DirtyAngularVelocity
)

const (
	MinDamping     = 0
	MaxDamping     = 1
	DefaultDamping = 0.39347

	MinDensity     = 100
	MaxDensity     = 10000
	DefaultDensity = 1000

	MinRestitution     = 0
	MaxRestitution     = 0.99
	DefaultRestitution = 0.5

	MinFriction     = 0
	MaxFriction     = 10
	DefaultFriction = 0.5

	// ImmortalLifetime marks an entity that never expires.
	ImmortalLifetime = -1
	MaxLifetime      = 3 * 365 * 24 * 60 * 60
)

// Descriptor is one row of the property table.
type Descriptor struct {
	ID      PropertyID
	Name    string
	Kind    Kind
	Default Value
	Dirty   DirtyFlags

	// Physics properties are guarded by a per-property last-applied
	// timestamp and are not overwritten from the network while this
	// participant owns the simulation.
	Physics bool

	clamp func(float32) float32

	// get and set override slot storage for properties the entity keeps
	// elsewhere. set reports whether the value changed. Both run with the
	// entity lock held.
	get func(e *Entity) Value
	set func(e *Entity, v Value, now uint64) (bool, error)
}

func rangeClamp(lo, hi, def float32) func(float32) float32 {
	return func(v float32) float32 {
		if math.IsNaN(float64(v)) {
			return def
		}
		return mathx.ClampF(v, lo, hi)
	}
}

var coreTable = []Descriptor{
	{ID: PropSimulationOwner, Name: "simulationOwner", Kind: KindOwner, Default: ownership.Claim{},
		Dirty: DirtySimulatorID | DirtySimulationOwnershipPriority, get: getOwner, set: setOwner},
	{ID: PropPosition, Name: "position", Kind: KindVec3, Default: mathx.Zero3, Dirty: DirtyPosition, Physics: true},
	{ID: PropRotation, Name: "rotation", Kind: KindQuat, Default: mathx.IdentityQuat, Dirty: DirtyRotation, Physics: true},
	{ID: PropVelocity, Name: "velocity", Kind: KindVec3, Default: mathx.Zero3, Dirty: DirtyLinearVelocity, Physics: true},
	{ID: PropAngularVelocity, Name: "angularVelocity", Kind: KindVec3, Default: mathx.Zero3, Dirty: DirtyAngularVelocity, Physics: true},
	{ID: PropAcceleration, Name: "acceleration", Kind: KindVec3, Default: mathx.Zero3, Physics: true},
	{ID: PropDimensions, Name: "dimensions", Kind: KindVec3, Default: mathx.V3(0.1, 0.1, 0.1), Dirty: DirtyShape | DirtyMass},
	{ID: PropDensity, Name: "density", Kind: KindFloat, Default: float32(DefaultDensity), Dirty: DirtyMass,
		clamp: rangeClamp(MinDensity, MaxDensity, DefaultDensity)},
	{ID: PropGravity, Name: "gravity", Kind: KindVec3, Default: mathx.Zero3, Dirty: DirtyLinearVelocity},
	{ID: PropDamping, Name: "damping", Kind: KindFloat, Default: float32(DefaultDamping), Dirty: DirtyMaterial,
		clamp: rangeClamp(MinDamping, MaxDamping, DefaultDamping)},
	{ID: PropRestitution, Name: "restitution", Kind: KindFloat, Default: float32(DefaultRestitution), Dirty: DirtyMaterial,
		clamp: rangeClamp(MinRestitution, MaxRestitution, DefaultRestitution)},
	{ID: PropFriction, Name: "friction", Kind: KindFloat, Default: float32(DefaultFriction), Dirty: DirtyMaterial,
		clamp: rangeClamp(MinFriction, MaxFriction, DefaultFriction)},
	{ID: PropLifetime, Name: "lifetime", Kind: KindFloat, Default: float32(ImmortalLifetime), Dirty: DirtyLifetime,
		clamp: rangeClamp(ImmortalLifetime, MaxLifetime, ImmortalLifetime)},
	{ID: PropScript, Name: "script", Kind: KindString, Default: ""},
	{ID: PropScriptTimestamp, Name: "scriptTimestamp", Kind: KindU64, Default: uint64(0)},
	{ID: PropServerScripts, Name: "serverScripts", Kind: KindString, Default: ""},
	{ID: PropRegistrationPoint, Name: "registrationPoint", Kind: KindVec3, Default: mathx.V3(0.5, 0.5, 0.5), Dirty: DirtyShape},
	{ID: PropAngularDamping, Name: "angularDamping", Kind: KindFloat, Default: float32(DefaultDamping), Dirty: DirtyMaterial,
		clamp: rangeClamp(MinDamping, MaxDamping, DefaultDamping)},
	{ID: PropVisible, Name: "visible", Kind: KindBool, Default: true},
	{ID: PropCollisionless, Name: "collisionless", Kind: KindBool, Default: false, Dirty: DirtyCollisionGroup},
	{ID: PropCollisionMask, Name: "collisionMask", Kind: KindU8, Default: uint8(0xff), Dirty: DirtyCollisionGroup},
	{ID: PropDynamic, Name: "dynamic", Kind: KindBool, Default: false, Dirty: DirtyMotionType},
	{ID: PropLocked, Name: "locked", Kind: KindBool, Default: false},
	{ID: PropUserData, Name: "userData", Kind: KindString, Default: ""},
	{ID: PropMarketplaceID, Name: "marketplaceID", Kind: KindString, Default: ""},
	{ID: PropItemName, Name: "itemName", Kind: KindString, Default: ""},
	{ID: PropItemDescription, Name: "itemDescription", Kind: KindString, Default: ""},
	{ID: PropItemCategories, Name: "itemCategories", Kind: KindString, Default: ""},
	{ID: PropItemArtist, Name: "itemArtist", Kind: KindString, Default: ""},
	{ID: PropItemLicense, Name: "itemLicense", Kind: KindString, Default: ""},
	{ID: PropLimitedRun, Name: "limitedRun", Kind: KindU32, Default: uint32(math.MaxUint32)},
	{ID: PropEditionNumber, Name: "editionNumber", Kind: KindU32, Default: uint32(0)},
	{ID: PropEntityInstanceNumber, Name: "entityInstanceNumber", Kind: KindU32, Default: uint32(0)},
	{ID: PropCertificateID, Name: "certificateID", Kind: KindString, Default: ""},
	{ID: PropName, Name: "name", Kind: KindString, Default: ""},
	{ID: PropHref, Name: "href", Kind: KindString, Default: ""},
	{ID: PropDescription, Name: "description", Kind: KindString, Default: ""},
	{ID: PropActionData, Name: "actionData", Kind: KindBlob, Default: []byte(nil), get: getActionData, set: setActionData},
	{ID: PropParentID, Name: "parentID", Kind: KindUUID, Default: uuid.Nil, Dirty: DirtyPosition},
	{ID: PropParentJointIndex, Name: "parentJointIndex", Kind: KindU16, Default: uint16(math.MaxUint16), Dirty: DirtyPosition},
	{ID: PropQueryAACube, Name: "queryAACube", Kind: KindCube, Default: mathx.AACube{}, Physics: true},
	{ID: PropLastEditedBy, Name: "lastEditedBy", Kind: KindUUID, Default: uuid.Nil},
	{ID: PropCollisionSoundURL, Name: "collisionSoundURL", Kind: KindString, Default: ""},
}

var (
	colorProp = Descriptor{ID: PropColor, Name: "color", Kind: KindU32, Default: uint32(0xffffff)}

	modelProps = []Descriptor{
		{ID: PropModelURL, Name: "modelURL", Kind: KindString, Default: "", Dirty: DirtyShape},
		{ID: PropCompoundShapeURL, Name: "compoundShapeURL", Kind: KindString, Default: "", Dirty: DirtyShape},
		{ID: PropAnimationURL, Name: "animationURL", Kind: KindString, Default: ""},
		{ID: PropAnimationFPS, Name: "animationFPS", Kind: KindFloat, Default: float32(30), clamp: rangeClamp(0, 120, 30)},
		{ID: PropAnimationPlaying, Name: "animationPlaying", Kind: KindBool, Default: false},
	}
	textProps = []Descriptor{
		{ID: PropText, Name: "text", Kind: KindString, Default: ""},
		{ID: PropLineHeight, Name: "lineHeight", Kind: KindFloat, Default: float32(0.1), clamp: rangeClamp(0.001, 100, 0.1)},
		{ID: PropTextColor, Name: "textColor", Kind: KindU32, Default: uint32(0xffffff)},
		{ID: PropBackgroundColor, Name: "backgroundColor", Kind: KindU32, Default: uint32(0)},
	}
	webProps = []Descriptor{
		{ID: PropSourceURL, Name: "sourceURL", Kind: KindString, Default: ""},
		{ID: PropDPI, Name: "dpi", Kind: KindU16, Default: uint16(30)},
	}
)
