package encoding

import (
	"fmt"
	"math/bits"
)

// PropertyID is the stable, wire-visible identifier of an entity property.
type PropertyID uint8

// MaxPropertyID bounds the ids a PropertyFlags set can hold.
const MaxPropertyID = 127

// PropertyFlags is a set of property ids.
type PropertyFlags struct {
	w [2]uint64
}

func FlagsOf(ids ...PropertyID) PropertyFlags {
	var f PropertyFlags
	for _, id := range ids {
		f.Set(id)
	}
	return f
}

func (f *PropertyFlags) Set(id PropertyID) {
	if id > MaxPropertyID {
		return
	}
	f.w[id>>6] |= 1 << (id & 63)
}

func (f *PropertyFlags) Clear(id PropertyID) {
	if id > MaxPropertyID {
		return
	}
	f.w[id>>6] &^= 1 << (id & 63)
}

func (f PropertyFlags) Has(id PropertyID) bool {
	if id > MaxPropertyID {
		return false
	}
	return f.w[id>>6]&(1<<(id&63)) != 0
}

func (f PropertyFlags) Union(o PropertyFlags) PropertyFlags {
	return PropertyFlags{w: [2]uint64{f.w[0] | o.w[0], f.w[1] | o.w[1]}}
}

func (f PropertyFlags) Intersect(o PropertyFlags) PropertyFlags {
	return PropertyFlags{w: [2]uint64{f.w[0] & o.w[0], f.w[1] & o.w[1]}}
}

func (f PropertyFlags) Minus(o PropertyFlags) PropertyFlags {
	return PropertyFlags{w: [2]uint64{f.w[0] &^ o.w[0], f.w[1] &^ o.w[1]}}
}

func (f PropertyFlags) Empty() bool { return f.w[0] == 0 && f.w[1] == 0 }

func (f PropertyFlags) Count() int { return bits.OnesCount64(f.w[0]) + bits.OnesCount64(f.w[1]) }

// IDs lists the set members in ascending id order.
func (f PropertyFlags) IDs() []PropertyID {
	out := make([]PropertyID, 0, f.Count())
	for i := 0; i <= MaxPropertyID; i++ {
		if f.Has(PropertyID(i)) {
			out = append(out, PropertyID(i))
		}
	}
	return out
}

func (f PropertyFlags) String() string { return fmt.Sprint(f.IDs()) }

// EncodedSize is the number of bytes AppendFlags writes for f. It never
// exceeds the size of any superset of f.
func (f PropertyFlags) EncodedSize() int {
	n := 0
	for i := 15; i >= 0; i-- {
		if f.byteAt(i) != 0 {
			n = i + 1
			break
		}
	}
	return 1 + n
}

func (f PropertyFlags) byteAt(i int) byte {
	return byte(f.w[i/8] >> (uint(i%8) * 8))
}

// AppendFlags writes a one-byte length followed by the minimal little-endian
// bitmask bytes.
func AppendFlags(dst []byte, f PropertyFlags) []byte {
	n := f.EncodedSize() - 1
	dst = append(dst, byte(n))
	for i := 0; i < n; i++ {
		dst = append(dst, f.byteAt(i))
	}
	return dst
}

func (r *Reader) Flags() (PropertyFlags, error) {
	var f PropertyFlags
	n, err := r.U8()
	if err != nil {
		return f, err
	}
	if n > 16 {
		return f, fmt.Errorf("%w: property mask of %d bytes", ErrMalformedStream, n)
	}
	b, err := r.take(int(n), "property mask")
	if err != nil {
		return f, err
	}
	for i, v := range b {
		f.w[i/8] |= uint64(v) << (uint(i%8) * 8)
	}
	return f, nil
}
