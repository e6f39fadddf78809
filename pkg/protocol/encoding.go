// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated reports that fewer bytes remain than a field declares.
	ErrTruncated = errors.New("truncated input")
	// ErrMalformed reports bytes that can never decode, regardless of how many follow.
	ErrMalformed = errors.New("malformed input")
)

type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{buf: b}
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *byteReader) offset() int {
	return r.pos
}

// rest returns the unread bytes without consuming them.
func (r *byteReader) rest() []byte {
	return r.buf[r.pos:]
}

func (r *byteReader) read(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrMalformed, n)
	}
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d have %d", ErrTruncated, n, r.remaining())
	}
	start := r.pos
	r.pos += n
	return r.buf[start:r.pos], nil
}

func (r *byteReader) Int16() (int16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *byteReader) Int32() (int32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// NullableString reads an int16 length-prefixed string; length -1 yields nil.
func (r *byteReader) NullableString() (*string, error) {
	l, err := r.Int16()
	if err != nil {
		return nil, err
	}
	if l == -1 {
		return nil, nil
	}
	if l < 0 {
		return nil, fmt.Errorf("%w: invalid string length %d", ErrMalformed, l)
	}
	b, err := r.read(int(l))
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}

func (r *byteReader) CompactString() (string, error) {
	s, err := r.CompactNullableString()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("%w: compact string is null", ErrMalformed)
	}
	return *s, nil
}

func (r *byteReader) CompactNullableString() (*string, error) {
	length, err := r.compactLength()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, nil
	}
	b, err := r.read(length)
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}

func (r *byteReader) UVarint() (uint64, error) {
	val, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, fmt.Errorf("%w: unterminated uvarint after %d bytes", ErrTruncated, r.remaining())
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: uvarint overflows 64 bits", ErrMalformed)
	}
	r.pos += n
	return val, nil
}

func (r *byteReader) CompactArrayLen() (int32, error) {
	val, err := r.UVarint()
	if err != nil {
		return 0, err
	}
	if val == 0 {
		return -1, nil
	}
	if val-1 > uint64(r.remaining()) {
		// every element needs at least one byte
		return 0, fmt.Errorf("%w: array of %d elements in %d bytes", ErrTruncated, val-1, r.remaining())
	}
	return int32(val - 1), nil
}

// SkipTaggedFields consumes a tagged-fields block and returns how many fields it held.
func (r *byteReader) SkipTaggedFields() (int, error) {
	count, err := r.UVarint()
	if err != nil {
		return 0, err
	}
	if count > uint64(r.remaining()) {
		return 0, fmt.Errorf("%w: %d tagged fields in %d bytes", ErrTruncated, count, r.remaining())
	}
	for i := uint64(0); i < count; i++ {
		if _, err := r.UVarint(); err != nil {
			return 0, err
		}
		size, err := r.UVarint()
		if err != nil {
			return 0, err
		}
		if size > uint64(r.remaining()) {
			return 0, fmt.Errorf("%w: tagged field of %d bytes, %d left", ErrTruncated, size, r.remaining())
		}
		if _, err := r.read(int(size)); err != nil {
			return 0, err
		}
	}
	return int(count), nil
}

func (r *byteReader) compactLength() (int, error) {
	val, err := r.UVarint()
	if err != nil {
		return 0, err
	}
	if val == 0 {
		return -1, nil
	}
	if val-1 > uint64(r.remaining()) {
		return 0, fmt.Errorf("%w: need %d have %d", ErrTruncated, val-1, r.remaining())
	}
	return int(val - 1), nil
}

type byteWriter struct {
	buf []byte
}

func newByteWriter(capacity int) *byteWriter {
	return &byteWriter{buf: make([]byte, 0, capacity)}
}

func (w *byteWriter) write(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) Int16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

func (w *byteWriter) Int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *byteWriter) String(v string) {
	if len(v) > 0x7fff {
		panic("string too long")
	}
	w.Int16(int16(len(v)))
	w.write([]byte(v))
}

func (w *byteWriter) NullableString(v *string) {
	if v == nil {
		w.Int16(-1)
		return
	}
	w.String(*v)
}

func (w *byteWriter) UVarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *byteWriter) CompactArrayLen(length int) {
	w.compactLength(length)
}

// WriteTaggedFields writes an empty tagged-fields block. Only zero is supported
// since no tagged field is ever emitted.
func (w *byteWriter) WriteTaggedFields(count int) {
	if count != 0 {
		panic("tagged field emission is not supported")
	}
	w.UVarint(0)
}

func (w *byteWriter) Bytes() []byte {
	return w.buf
}

func (w *byteWriter) compactLength(length int) {
	if length < 0 {
		w.UVarint(0)
		return
	}
	w.UVarint(uint64(length) + 1)
}

// DecodeInt16 reads a big-endian int16 at offset and reports the bytes consumed.
func DecodeInt16(buf []byte, offset int) (int16, int, error) {
	r, err := readerAt(buf, offset)
	if err != nil {
		return 0, 0, err
	}
	v, err := r.Int16()
	return v, r.offset() - offset, err
}

// DecodeInt32 reads a big-endian int32 at offset and reports the bytes consumed.
func DecodeInt32(buf []byte, offset int) (int32, int, error) {
	r, err := readerAt(buf, offset)
	if err != nil {
		return 0, 0, err
	}
	v, err := r.Int32()
	return v, r.offset() - offset, err
}

// DecodeNullableString reads an int16 length-prefixed string at offset.
func DecodeNullableString(buf []byte, offset int) (*string, int, error) {
	r, err := readerAt(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	v, err := r.NullableString()
	if err != nil {
		return nil, 0, err
	}
	return v, r.offset() - offset, nil
}

// DecodeUVarint reads an unsigned varint at offset.
func DecodeUVarint(buf []byte, offset int) (uint64, int, error) {
	r, err := readerAt(buf, offset)
	if err != nil {
		return 0, 0, err
	}
	v, err := r.UVarint()
	if err != nil {
		return 0, 0, err
	}
	return v, r.offset() - offset, nil
}

func readerAt(buf []byte, offset int) (*byteReader, error) {
	if offset < 0 || offset > len(buf) {
		return nil, fmt.Errorf("%w: offset %d outside buffer of %d bytes", ErrTruncated, offset, len(buf))
	}
	return &byteReader{buf: buf, pos: offset}, nil
}

// AppendInt16 appends v in network byte order.
func AppendInt16(dst []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(dst, uint16(v))
}

// AppendInt32 appends v in network byte order.
func AppendInt32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

// AppendNullableString appends an int16 length-prefixed string, or length -1 for nil.
func AppendNullableString(dst []byte, v *string) []byte {
	w := byteWriter{buf: dst}
	w.NullableString(v)
	return w.buf
}

// AppendUVarint appends v as an unsigned varint.
func AppendUVarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}
