package protocol

import (
	"errors"

	"entitysync/internal/sim/dynamics"
	"entitysync/internal/sim/encoding"
	"entitysync/internal/sim/entity"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Entity stream.
	ErrMalformedStream = "E_MALFORMED_STREAM"
	ErrUnknownProperty = "E_UNKNOWN_PROPERTY"
	ErrUnknownType     = "E_UNKNOWN_TYPE"
	ErrWrongEntity     = "E_WRONG_ENTITY"
	ErrInvalidAction   = "E_INVALID_ACTION"

	// Server state.
	ErrBusy     = "E_BUSY"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrMalformedStream: {},
	ErrUnknownProperty: {},
	ErrUnknownType:     {},
	ErrWrongEntity:     {},
	ErrInvalidAction:   {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an error from the entity layer to its wire code. Nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, entity.ErrUnknownProperty):
		return ErrUnknownProperty
	case errors.Is(err, entity.ErrUnknownType):
		return ErrUnknownType
	case errors.Is(err, encoding.ErrMalformedStream):
		return ErrMalformedStream
	case errors.Is(err, entity.ErrWrongEntity):
		return ErrWrongEntity
	case errors.Is(err, dynamics.ErrInvalidArguments),
		errors.Is(err, dynamics.ErrUnknownActionType),
		errors.Is(err, dynamics.ErrActionDataTooLarge):
		return ErrInvalidAction
	default:
		return ErrInternal
	}
}
