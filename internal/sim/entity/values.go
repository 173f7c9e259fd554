package entity

import (
	"bytes"
	"fmt"
	"math"

	"github.com/google/uuid"

	"entitysync/internal/sim/encoding"
	"entitysync/internal/sim/mathx"
	"entitysync/internal/sim/ownership"
)

// coerce converts v to the canonical Go type for k. Untyped numeric
// literals (int, float64) are accepted where they fit.
func coerce(k Kind, v Value) (Value, error) {
	switch k {
	case KindFloat:
		switch x := v.(type) {
		case float32:
			return x, nil
		case float64:
			return float32(x), nil
		case int:
			return float32(x), nil
		}
	case KindVec3:
		if x, ok := v.(mathx.Vec3); ok {
			return x, nil
		}
	case KindQuat:
		if x, ok := v.(mathx.Quat); ok {
			return x, nil
		}
	case KindString:
		if x, ok := v.(string); ok {
			if len(x) > encoding.MaxBlobLen {
				return nil, fmt.Errorf("%w: string of %d bytes", ErrTypeMismatch, len(x))
			}
			return x, nil
		}
	case KindBlob:
		switch x := v.(type) {
		case []byte:
			if len(x) > encoding.MaxBlobLen {
				return nil, fmt.Errorf("%w: blob of %d bytes", ErrTypeMismatch, len(x))
			}
			return bytes.Clone(x), nil
		case nil:
			return []byte(nil), nil
		}
	case KindU64:
		switch x := v.(type) {
		case uint64:
			return x, nil
		case int:
			if x >= 0 {
				return uint64(x), nil
			}
		}
	case KindBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case KindU8:
		switch x := v.(type) {
		case uint8:
			return x, nil
		case int:
			if x >= 0 && x <= math.MaxUint8 {
				return uint8(x), nil
			}
		}
	case KindU16:
		switch x := v.(type) {
		case uint16:
			return x, nil
		case int:
			if x >= 0 && x <= math.MaxUint16 {
				return uint16(x), nil
			}
		}
	case KindU32:
		switch x := v.(type) {
		case uint32:
			return x, nil
		case int:
			if x >= 0 && uint64(x) <= math.MaxUint32 {
				return uint32(x), nil
			}
		}
	case KindCube:
		if x, ok := v.(mathx.AACube); ok {
			return x, nil
		}
	case KindUUID:
		if x, ok := v.(uuid.UUID); ok {
			return x, nil
		}
	case KindOwner:
		if x, ok := v.(ownership.Claim); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%w: %T for kind %d", ErrTypeMismatch, v, k)
}

func equalValues(a, b Value) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}

func cloneValue(v Value) Value {
	if b, ok := v.([]byte); ok {
		return bytes.Clone(b)
	}
	return v
}

// encodedSize is the wire width of v.
func encodedSize(k Kind, v Value) int {
	switch k {
	case KindFloat, KindU32:
		return encoding.SizeU32
	case KindVec3:
		return encoding.SizeVec3
	case KindQuat:
		return encoding.SizeQuat
	case KindString:
		return encoding.SizeU16 + min(len(v.(string)), encoding.MaxBlobLen)
	case KindBlob:
		return encoding.SizeU16 + min(len(v.([]byte)), encoding.MaxBlobLen)
	case KindU64:
		return encoding.SizeU64
	case KindBool, KindU8:
		return encoding.SizeU8
	case KindU16:
		return encoding.SizeU16
	case KindCube:
		return encoding.SizeCube
	case KindUUID:
		return encoding.SizeUUID
	case KindOwner:
		return ownership.EncodedSize
	}
	return 0
}

func appendValue(dst []byte, k Kind, v Value) []byte {
	switch k {
	case KindFloat:
		return encoding.AppendF32(dst, v.(float32))
	case KindVec3:
		return encoding.AppendVec3(dst, v.(mathx.Vec3))
	case KindQuat:
		return encoding.AppendQuat(dst, v.(mathx.Quat))
	case KindString:
		return encoding.AppendString(dst, v.(string))
	case KindBlob:
		return encoding.AppendBytes(dst, v.([]byte))
	case KindU64:
		return encoding.AppendU64(dst, v.(uint64))
	case KindBool:
		return encoding.AppendBool(dst, v.(bool))
	case KindU8:
		return encoding.AppendU8(dst, v.(uint8))
	case KindU16:
		return encoding.AppendU16(dst, v.(uint16))
	case KindU32:
		return encoding.AppendU32(dst, v.(uint32))
	case KindCube:
		return encoding.AppendCube(dst, v.(mathx.AACube))
	case KindUUID:
		return encoding.AppendUUID(dst, v.(uuid.UUID))
	case KindOwner:
		c := v.(ownership.Claim)
		dst = encoding.AppendUUID(dst, c.ID)
		return encoding.AppendU8(dst, c.Priority)
	}
	return dst
}

func readValue(r *encoding.Reader, k Kind) (Value, error) {
	switch k {
	case KindFloat:
		return r.F32()
	case KindVec3:
		return r.Vec3()
	case KindQuat:
		return r.Quat()
	case KindString:
		return r.String()
	case KindBlob:
		return r.Bytes()
	case KindU64:
		return r.U64()
	case KindBool:
		return r.Bool()
	case KindU8:
		return r.U8()
	case KindU16:
		return r.U16()
	case KindU32:
		return r.U32()
	case KindCube:
		return r.Cube()
	case KindUUID:
		return r.UUID()
	case KindOwner:
		id, err := r.UUID()
		if err != nil {
			return nil, err
		}
		p, err := r.U8()
		if err != nil {
			return nil, err
		}
		return ownership.Claim{ID: id, Priority: p}, nil
	}
	return nil, fmt.Errorf("%w: kind %d", encoding.ErrMalformedStream, k)
}
