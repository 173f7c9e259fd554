package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"entitysync/internal/sim/encoding"
)

// Kind tags a binary frame.
type Kind uint8

const (
	// KindEdit carries entity records produced by Entity.AppendTo.
	KindEdit Kind = 1
	// KindErase carries ids of deleted entities.
	KindErase Kind = 2
)

const (
	// PacketHeaderSize is kind + record count.
	PacketHeaderSize = encoding.SizeU8 + encoding.SizeU16
	// RecordOverhead is the length prefix each record carries.
	RecordOverhead = encoding.SizeU16
)

// PacketWriter packs records into one frame of at most budget bytes.
type PacketWriter struct {
	kind   Kind
	budget int
	count  int
	buf    []byte
}

func NewPacketWriter(kind Kind, budget int) *PacketWriter {
	w := &PacketWriter{kind: kind, budget: budget}
	w.Reset()
	return w
}

func (w *PacketWriter) Reset() {
	w.count = 0
	w.buf = append(w.buf[:0], byte(w.kind), 0, 0)
}

func (w *PacketWriter) Kind() Kind  { return w.kind }
func (w *PacketWriter) Count() int  { return w.count }
func (w *PacketWriter) Empty() bool { return w.count == 0 }
func (w *PacketWriter) Len() int    { return len(w.buf) }

// RecordBudget is how many bytes the next record may occupy.
func (w *PacketWriter) RecordBudget() int {
	n := w.budget - len(w.buf) - RecordOverhead
	if n < 0 {
		return 0
	}
	return min(n, encoding.MaxBlobLen)
}

// Add appends rec. It reports false, leaving the packet unchanged, when rec
// does not fit.
func (w *PacketWriter) Add(rec []byte) bool {
	if len(rec) == 0 || len(rec) > w.RecordBudget() || w.count == 0xffff {
		return false
	}
	w.buf = encoding.AppendBytes(w.buf, rec)
	w.count++
	w.buf[1] = byte(w.count)
	w.buf[2] = byte(w.count >> 8)
	return true
}

// Bytes returns the frame. It aliases the writer's buffer until Reset.
func (w *PacketWriter) Bytes() []byte { return w.buf }

// DecodePacket splits a frame into its records.
func DecodePacket(b []byte) (Kind, [][]byte, error) {
	r := encoding.NewReader(b)
	k, err := r.U8()
	if err != nil {
		return 0, nil, err
	}
	kind := Kind(k)
	if kind != KindEdit && kind != KindErase {
		return 0, nil, fmt.Errorf("%w: packet kind %d", encoding.ErrMalformedStream, k)
	}
	n, err := r.U16()
	if err != nil {
		return 0, nil, err
	}
	recs := make([][]byte, 0, n)
	for i := 0; i < int(n); i++ {
		rec, err := r.Bytes()
		if err != nil {
			return 0, nil, fmt.Errorf("record %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	if r.Remaining() != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", encoding.ErrMalformedStream, r.Remaining())
	}
	return kind, recs, nil
}

// EraseRecord encodes a deleted entity id for a KindErase packet.
func EraseRecord(id uuid.UUID) []byte { return encoding.AppendUUID(nil, id) }

func DecodeEraseRecord(rec []byte) (uuid.UUID, error) {
	if len(rec) != encoding.SizeUUID {
		return uuid.Nil, fmt.Errorf("%w: erase record of %d bytes", encoding.ErrMalformedStream, len(rec))
	}
	return encoding.NewReader(rec).UUID()
}
