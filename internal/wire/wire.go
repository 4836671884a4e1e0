// Package wire frames cache entries with a generation so readers can reject
// entries written before the last invalidation.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version    byte = 1
	kindSingle byte = 1
	kindBulk   byte = 2
	kindList   byte = 3

	hdrLen = 4 + 1 + 1
)

var (
	ErrCorrupt = errors.New("mardao: corrupt cache entry")
	magic4     = [...]byte{'M', 'R', 'D', 'O'}
)

func header(buf *bytes.Buffer, kind byte) {
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)
}

func checkHeader(b []byte, kind byte) bool {
	return len(b) >= hdrLen && bytes.Equal(b[:4], magic4[:]) && b[4] == version && b[5] == kind
}

// reader walks a frame; every read is bounds-checked and sets err once.
type reader struct {
	b   []byte
	off int
	err bool
}

func (r *reader) take(n int) []byte {
	if r.err || n < 0 || n > len(r.b)-r.off {
		r.err = true
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u16() int {
	if p := r.take(2); p != nil {
		return int(binary.BigEndian.Uint16(p))
	}
	return 0
}

func (r *reader) u32() int {
	if p := r.take(4); p != nil {
		return int(binary.BigEndian.Uint32(p))
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *reader) done() bool { return !r.err && r.off == len(r.b) }

func putU16(buf *bytes.Buffer, v uint16) {
	var u [2]byte
	binary.BigEndian.PutUint16(u[:], v)
	buf.Write(u[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var u [4]byte
	binary.BigEndian.PutUint32(u[:], v)
	buf.Write(u[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var u [8]byte
	binary.BigEndian.PutUint64(u[:], v)
	buf.Write(u[:])
}

// Single: magic(4) | ver(1) | kind(1=single) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeSingle(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + 8 + 4 + len(payload))
	header(&buf, kindSingle)
	putU64(&buf, gen)
	putU32(&buf, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeSingle returns a payload that aliases b.
func DecodeSingle(b []byte) (gen uint64, payload []byte, err error) {
	if !checkHeader(b, kindSingle) {
		return 0, nil, ErrCorrupt
	}
	r := reader{b: b, off: hdrLen}
	gen = r.u64()
	payload = r.take(r.u32())
	if !r.done() {
		return 0, nil, ErrCorrupt
	}
	return gen, payload, nil
}

// Bulk:
//
//	magic(4) | ver(1) | kind(1=bulk) | n(u32 be)
//	keyLen(u16 be) | key(keyLen) | gen(u64 be) | vlen(u32 be) | payload(vlen) * n
type BulkItem struct {
	Key     string
	Gen     uint64
	Payload []byte
}

func EncodeBulk(items []BulkItem) ([]byte, error) {
	total := hdrLen + 4
	for _, it := range items {
		if l := len(it.Key); l == 0 || l > 0xFFFF {
			return nil, fmt.Errorf("wire: bulk key length %d out of range", l)
		}
		total += 2 + len(it.Key) + 8 + 4 + len(it.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	header(&buf, kindBulk)
	putU32(&buf, uint32(len(items)))
	for _, it := range items {
		putU16(&buf, uint16(len(it.Key)))
		buf.WriteString(it.Key)
		putU64(&buf, it.Gen)
		putU32(&buf, uint32(len(it.Payload)))
		buf.Write(it.Payload)
	}
	return buf.Bytes(), nil
}

func DecodeBulk(b []byte) ([]BulkItem, error) {
	if !checkHeader(b, kindBulk) {
		return nil, ErrCorrupt
	}
	r := reader{b: b, off: hdrLen}
	n := r.u32()
	// each item needs at least 2+1+8+4 bytes; reject counts the buffer cannot hold
	if r.err || n > (len(b)-r.off)/15 {
		return nil, ErrCorrupt
	}
	items := make([]BulkItem, 0, n)
	for i := 0; i < n; i++ {
		klen := r.u16()
		if klen == 0 {
			return nil, ErrCorrupt
		}
		key := r.take(klen)
		gen := r.u64()
		payload := r.take(r.u32())
		if r.err {
			return nil, ErrCorrupt
		}
		items = append(items, BulkItem{Key: string(key), Gen: gen, Payload: payload})
	}
	if !r.done() {
		return nil, ErrCorrupt
	}
	return items, nil
}

// List: magic(4) | ver(1) | kind(1=list) | n(u32 be) | [vlen(u32 be) | payload(vlen)] * n
func EncodeList(payloads [][]byte) []byte {
	total := hdrLen + 4
	for _, p := range payloads {
		total += 4 + len(p)
	}
	var buf bytes.Buffer
	buf.Grow(total)
	header(&buf, kindList)
	putU32(&buf, uint32(len(payloads)))
	for _, p := range payloads {
		putU32(&buf, uint32(len(p)))
		buf.Write(p)
	}
	return buf.Bytes()
}

// DecodeList returns payloads that alias b.
func DecodeList(b []byte) ([][]byte, error) {
	if !checkHeader(b, kindList) {
		return nil, ErrCorrupt
	}
	r := reader{b: b, off: hdrLen}
	n := r.u32()
	if r.err || n > (len(b)-r.off)/4 {
		return nil, ErrCorrupt
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		p := r.take(r.u32())
		if r.err {
			return nil, ErrCorrupt
		}
		out = append(out, p)
	}
	if !r.done() {
		return nil, ErrCorrupt
	}
	return out, nil
}
