package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"entitysync/internal/sim/mathx"
)

// ErrMalformedStream reports a buffer that ended before a field it declares.
var ErrMalformedStream = errors.New("malformed stream")

// MaxBlobLen is the largest string/blob the uint16 length prefix can carry.
const MaxBlobLen = math.MaxUint16

// Fixed encoded widths.
const (
	SizeU8   = 1
	SizeU16  = 2
	SizeU32  = 4
	SizeU64  = 8
	SizeF32  = 4
	SizeVec3 = 12
	SizeQuat = 16
	SizeCube = 16
	SizeUUID = 16
)

func AppendU8(dst []byte, v uint8) []byte   { return append(dst, v) }
func AppendU16(dst []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(dst, v) }
func AppendU32(dst []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(dst, v) }
func AppendU64(dst []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(dst, v) }
func AppendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func AppendUvarint(dst []byte, v uint64) []byte { return binary.AppendUvarint(dst, v) }

func AppendVec3(dst []byte, v mathx.Vec3) []byte {
	dst = AppendF32(dst, v.X)
	dst = AppendF32(dst, v.Y)
	return AppendF32(dst, v.Z)
}

func AppendQuat(dst []byte, q mathx.Quat) []byte {
	dst = AppendF32(dst, q.X)
	dst = AppendF32(dst, q.Y)
	dst = AppendF32(dst, q.Z)
	return AppendF32(dst, q.W)
}

func AppendCube(dst []byte, c mathx.AACube) []byte {
	dst = AppendVec3(dst, c.Corner)
	return AppendF32(dst, c.Scale)
}

func AppendUUID(dst []byte, id uuid.UUID) []byte { return append(dst, id[:]...) }

// AppendBytes writes a uint16 length prefix followed by b. Callers must keep
// len(b) <= MaxBlobLen; longer input is truncated.
func AppendBytes(dst []byte, b []byte) []byte {
	if len(b) > MaxBlobLen {
		b = b[:MaxBlobLen]
	}
	dst = AppendU16(dst, uint16(len(b)))
	return append(dst, b...)
}

func AppendString(dst []byte, s string) []byte {
	if len(s) > MaxBlobLen {
		s = s[:MaxBlobLen]
	}
	dst = AppendU16(dst, uint16(len(s)))
	return append(dst, s...)
}

// Reader decodes fields from a whole buffer. Every method fails with an error
// wrapping ErrMalformedStream when fewer bytes remain than the field needs.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrMalformedStream, what, n, r.off, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(SizeU8, "u8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(SizeU16, "u16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(SizeU32, "u32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(SizeU64, "u64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) F32() (float32, error) {
	b, err := r.take(SizeF32, "f32")
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformedStream, r.off)
	}
	r.off += n
	return v, nil
}

func (r *Reader) Vec3() (mathx.Vec3, error) {
	b, err := r.take(SizeVec3, "vec3")
	if err != nil {
		return mathx.Vec3{}, err
	}
	return mathx.Vec3{X: f32(b[0:]), Y: f32(b[4:]), Z: f32(b[8:])}, nil
}

func (r *Reader) Quat() (mathx.Quat, error) {
	b, err := r.take(SizeQuat, "quat")
	if err != nil {
		return mathx.Quat{}, err
	}
	return mathx.Quat{X: f32(b[0:]), Y: f32(b[4:]), Z: f32(b[8:]), W: f32(b[12:])}, nil
}

func (r *Reader) Cube() (mathx.AACube, error) {
	b, err := r.take(SizeCube, "aacube")
	if err != nil {
		return mathx.AACube{}, err
	}
	return mathx.AACube{
		Corner: mathx.Vec3{X: f32(b[0:]), Y: f32(b[4:]), Z: f32(b[8:])},
		Scale:  f32(b[12:]),
	}, nil
}

func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.take(SizeUUID, "uuid")
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// Bytes reads a uint16 length-prefixed blob. The result is a copy.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n), "blob")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) String() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func f32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
