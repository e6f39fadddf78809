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
	"io"
)

// DefaultMaxFrameBytes bounds a single request frame (100 MiB, Kafka's socket.request.max.bytes).
const DefaultMaxFrameBytes int32 = 100 * 1024 * 1024

// ErrFrameTooLarge reports a size prefix above the configured limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame represents a Kafka request or response frame.
type Frame struct {
	Length  int32
	Payload []byte
}

// ReadFrame reads a single size-prefixed frame from r using DefaultMaxFrameBytes.
func ReadFrame(r io.Reader) (*Frame, error) {
	return ReadFrameLimit(r, DefaultMaxFrameBytes)
}

// ReadFrameLimit reads a single size-prefixed frame from r. A stream that ends before the
// first size byte returns an error matching io.EOF; a stream that ends anywhere later
// returns an error matching ErrTruncated.
func ReadFrameLimit(r io.Reader, maxBytes int32) (*Frame, error) {
	var lengthBuf [4]byte
	n, err := io.ReadFull(r, lengthBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read frame size: %w", io.EOF)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read frame size: %w: got %d of 4 bytes", ErrTruncated, n)
		}
		return nil, fmt.Errorf("read frame size: %w", err)
	}
	length := int32(binary.BigEndian.Uint32(lengthBuf[:]))
	if length < 0 {
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrMalformed, length)
	}
	if maxBytes > 0 && length > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, length, maxBytes)
	}

	payload := make([]byte, length)
	n, err = io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read frame payload: %w: got %d of %d bytes", ErrTruncated, n, length)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return &Frame{Length: length, Payload: payload}, nil
}

// WriteFrame writes payload prefixed with its length to w in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeResponse(payload)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("write frame: %w: wrote %d of %d bytes", io.ErrShortWrite, n, len(buf))
	}
	return nil
}

// EncodeResponse wraps a payload into a Kafka frame.
func EncodeResponse(payload []byte) ([]byte, error) {
	if len(payload) > int(^uint32(0)>>1) {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFrameTooLarge, len(payload))
	}
	w := newByteWriter(len(payload) + 4)
	w.Int32(int32(len(payload)))
	w.write(payload)
	return w.Bytes(), nil
}
