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
	"fmt"
)

// ApiVersionsResponse is returned for the ApiVersions handshake.
type ApiVersionsResponse struct {
	CorrelationID  int32
	ErrorCode      int16
	APIKeys        []ApiVersion
	ThrottleTimeMs int32
}

// apiVersionEntrySize is the smallest encoding of one api key entry.
const apiVersionEntrySize = 6

type apiVersionsLayout struct {
	// flexible switches to a compact array with per-entry and trailing tags.
	flexible bool
	throttle bool
}

var apiVersionsLayouts = map[int16]apiVersionsLayout{
	0: {},
	1: {throttle: true},
	2: {throttle: true},
	3: {flexible: true, throttle: true},
	4: {flexible: true, throttle: true},
}

func apiVersionsLayoutFor(version int16) (apiVersionsLayout, error) {
	layout, ok := apiVersionsLayouts[version]
	if !ok {
		return apiVersionsLayout{}, fmt.Errorf("ApiVersions response version %d not supported", version)
	}
	return layout, nil
}

// EncodeApiVersionsResponse renders the response payload (without the size
// prefix) using the layout of the given response version. The response header is
// always v0, even for flexible versions.
func EncodeApiVersionsResponse(resp *ApiVersionsResponse, version int16) ([]byte, error) {
	layout, err := apiVersionsLayoutFor(version)
	if err != nil {
		return nil, err
	}
	w := newByteWriter(16 + 7*len(resp.APIKeys))
	w.Int32(resp.CorrelationID)
	w.Int16(resp.ErrorCode)
	if layout.flexible {
		w.CompactArrayLen(len(resp.APIKeys))
	} else {
		w.Int32(int32(len(resp.APIKeys)))
	}
	for _, v := range resp.APIKeys {
		w.Int16(v.APIKey)
		w.Int16(v.MinVersion)
		w.Int16(v.MaxVersion)
		if layout.flexible {
			w.WriteTaggedFields(0)
		}
	}
	if layout.throttle {
		w.Int32(resp.ThrottleTimeMs)
	}
	if layout.flexible {
		w.WriteTaggedFields(0)
	}
	return w.Bytes(), nil
}

// DecodeApiVersionsResponse parses a payload produced for the given response
// version. Trailing bytes are rejected.
func DecodeApiVersionsResponse(payload []byte, version int16) (*ApiVersionsResponse, error) {
	layout, err := apiVersionsLayoutFor(version)
	if err != nil {
		return nil, err
	}
	r := newByteReader(payload)
	resp := &ApiVersionsResponse{}
	if resp.CorrelationID, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("read correlation id: %w", err)
	}
	if resp.ErrorCode, err = r.Int16(); err != nil {
		return nil, fmt.Errorf("read error code: %w", err)
	}
	var count int32
	if layout.flexible {
		count, err = r.CompactArrayLen()
	} else {
		count, err = r.Int32()
	}
	if err != nil {
		return nil, fmt.Errorf("read api key count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: api key count %d", ErrMalformed, count)
	}
	if int(count) > r.remaining()/apiVersionEntrySize {
		return nil, fmt.Errorf("%w: %d api keys in %d bytes", ErrTruncated, count, r.remaining())
	}
	if count > 0 {
		resp.APIKeys = make([]ApiVersion, 0, count)
	}
	for i := int32(0); i < count; i++ {
		var v ApiVersion
		if v.APIKey, err = r.Int16(); err != nil {
			return nil, fmt.Errorf("read api key %d: %w", i, err)
		}
		if v.MinVersion, err = r.Int16(); err != nil {
			return nil, fmt.Errorf("read min version %d: %w", i, err)
		}
		if v.MaxVersion, err = r.Int16(); err != nil {
			return nil, fmt.Errorf("read max version %d: %w", i, err)
		}
		if layout.flexible {
			if _, err := r.SkipTaggedFields(); err != nil {
				return nil, fmt.Errorf("skip api key %d tags: %w", i, err)
			}
		}
		resp.APIKeys = append(resp.APIKeys, v)
	}
	if layout.throttle {
		if resp.ThrottleTimeMs, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read throttle time: %w", err)
		}
	}
	if layout.flexible {
		if _, err := r.SkipTaggedFields(); err != nil {
			return nil, fmt.Errorf("skip response tags: %w", err)
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.remaining())
	}
	return resp, nil
}

// EncodeErrorResponse renders the generic reply for requests the broker cannot
// serve: the correlation id followed by an error code.
func EncodeErrorResponse(correlationID int32, code int16) []byte {
	w := newByteWriter(6)
	w.Int32(correlationID)
	w.Int16(code)
	return w.Bytes()
}
