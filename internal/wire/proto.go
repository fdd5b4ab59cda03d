package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Protobuf wire types used by the Sound + Light schema.
//
// The schema only ever carries varints (bools, ids), 32-bit floats, and
// length-delimited fields (strings and sub-messages). Groups and 64-bit
// scalars never appear but must still be skippable for forward
// compatibility with newer firmware.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// maxVarintBytes bounds varint length to the protobuf maximum (10 bytes
// for a 64-bit value). Anything longer is a malformed stream.
const maxVarintBytes = 10

// appendTag appends a field tag (field number + wire type).
func appendTag(buf []byte, field int, wireType int) []byte {
	return appendUvarint(buf, uint64(field)<<3|uint64(wireType)) //nolint:gosec // field numbers are small constants
}

// appendUvarint appends a base-128 varint.
func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// appendBool appends a bool field (varint wire type).
func appendBool(buf []byte, field int, v bool) []byte {
	buf = appendTag(buf, field, wireVarint)
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// appendFloat appends a 32-bit float field (fixed32 wire type).
func appendFloat(buf []byte, field int, v float64) []byte {
	buf = appendTag(buf, field, wireFixed32)
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
}

// appendString appends a string field (length-delimited wire type).
func appendString(buf []byte, field int, v string) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// appendMessage appends an embedded message field (length-delimited).
func appendMessage(buf []byte, field int, msg []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendUvarint(buf, uint64(len(msg)))
	return append(buf, msg...)
}

// appendUint appends an unsigned integer field (varint wire type).
func appendUint(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendUvarint(buf, v)
}

// fieldReader iterates over the fields of a single (sub-)message.
//
// Usage:
//
//	r := fieldReader{buf: data}
//	for r.next() {
//	    switch r.field {
//	    case 1:
//	        v, err := r.bool()
//	        ...
//	    }
//	}
//	if r.err != nil { // stream was malformed
type fieldReader struct {
	buf      []byte
	pos      int
	field    int
	wireType int
	err      error
}

// next advances to the next field. Returns false at end of buffer or on a
// malformed tag; check err afterwards to distinguish the two.
func (r *fieldReader) next() bool {
	if r.err != nil || r.pos >= len(r.buf) {
		return false
	}

	tag, n, err := readUvarint(r.buf[r.pos:])
	if err != nil {
		r.err = fmt.Errorf("%w: field tag: %w", ErrInvalidMessage, err)
		return false
	}
	r.pos += n

	r.field = int(tag >> 3)   //nolint:gosec // field numbers in this schema are tiny
	r.wireType = int(tag & 7) //nolint:gosec // three-bit wire type

	if r.field == 0 {
		r.err = fmt.Errorf("%w: field number 0", ErrInvalidMessage)
		return false
	}

	return true
}

// bool reads the current field as a bool. Non-varint encodings are skipped
// and reported as "not present".
func (r *fieldReader) bool() (value, present bool) {
	if r.wireType != wireVarint {
		r.skip()
		return false, false
	}
	v, n, err := readUvarint(r.buf[r.pos:])
	if err != nil {
		r.err = fmt.Errorf("%w: bool field %d: %w", ErrInvalidMessage, r.field, err)
		return false, false
	}
	r.pos += n
	return v != 0, true
}

// uint reads the current field as an unsigned varint.
func (r *fieldReader) uint() (value uint64, present bool) {
	if r.wireType != wireVarint {
		r.skip()
		return 0, false
	}
	v, n, err := readUvarint(r.buf[r.pos:])
	if err != nil {
		r.err = fmt.Errorf("%w: varint field %d: %w", ErrInvalidMessage, r.field, err)
		return 0, false
	}
	r.pos += n
	return v, true
}

// float reads the current field as a 32-bit float.
func (r *fieldReader) float() (value float64, present bool) {
	if r.wireType != wireFixed32 {
		r.skip()
		return 0, false
	}
	if r.pos+4 > len(r.buf) {
		r.err = fmt.Errorf("%w: float field %d", ErrTruncated, r.field)
		return 0, false
	}
	bits := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return float64(math.Float32frombits(bits)), true
}

// bytes reads the current field as a length-delimited payload.
// The returned slice aliases the reader's buffer.
func (r *fieldReader) bytes() (value []byte, present bool) {
	if r.wireType != wireBytes {
		r.skip()
		return nil, false
	}
	length, n, err := readUvarint(r.buf[r.pos:])
	if err != nil {
		r.err = fmt.Errorf("%w: length of field %d: %w", ErrInvalidMessage, r.field, err)
		return nil, false
	}
	r.pos += n
	end := r.pos + int(length) //nolint:gosec // bounded below against buffer length
	if length > uint64(len(r.buf)) || end > len(r.buf) {
		r.err = fmt.Errorf("%w: field %d declares %d bytes", ErrTruncated, r.field, length)
		return nil, false
	}
	v := r.buf[r.pos:end]
	r.pos = end
	return v, true
}

// string reads the current field as a string.
func (r *fieldReader) string() (value string, present bool) {
	b, ok := r.bytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// skip advances past the current field's payload without interpreting it.
// Unknown fields from newer firmware are tolerated this way.
func (r *fieldReader) skip() {
	switch r.wireType {
	case wireVarint:
		_, n, err := readUvarint(r.buf[r.pos:])
		if err != nil {
			r.err = fmt.Errorf("%w: skipping varint field %d: %w", ErrInvalidMessage, r.field, err)
			return
		}
		r.pos += n
	case wireFixed64:
		if r.pos+8 > len(r.buf) {
			r.err = fmt.Errorf("%w: skipping fixed64 field %d", ErrTruncated, r.field)
			return
		}
		r.pos += 8
	case wireBytes:
		length, n, err := readUvarint(r.buf[r.pos:])
		if err != nil {
			r.err = fmt.Errorf("%w: skipping field %d: %w", ErrInvalidMessage, r.field, err)
			return
		}
		r.pos += n
		end := r.pos + int(length) //nolint:gosec // bounded below against buffer length
		if length > uint64(len(r.buf)) || end > len(r.buf) {
			r.err = fmt.Errorf("%w: skipping field %d (%d bytes)", ErrTruncated, r.field, length)
			return
		}
		r.pos = end
	case wireFixed32:
		if r.pos+4 > len(r.buf) {
			r.err = fmt.Errorf("%w: skipping fixed32 field %d", ErrTruncated, r.field)
			return
		}
		r.pos += 4
	default:
		// Group wire types (3, 4) never appear in this schema and cannot be
		// skipped without tracking nesting. Treat as malformed.
		r.err = fmt.Errorf("%w: unsupported wire type %d for field %d",
			ErrInvalidMessage, r.wireType, r.field)
	}
}

// readUvarint decodes a base-128 varint from the start of buf.
// Returns the value and the number of bytes consumed.
func readUvarint(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(buf) && i < maxVarintBytes; i++ {
		b := buf[i]
		v |= uint64(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}
	if len(buf) < maxVarintBytes {
		return 0, 0, ErrTruncated
	}
	return 0, 0, fmt.Errorf("varint exceeds %d bytes", maxVarintBytes)
}
