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

// minRequestHeaderSize covers api key, version, correlation id and the client id length.
const minRequestHeaderSize = 10

// RequestHeader matches Kafka RequestHeader v1, or v2 for flexible versions.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string
	// Flexible is set when the header carried a tagged-fields block.
	Flexible bool
}

// Request is implemented by concrete protocol requests.
type Request interface {
	APIKey() int16
}

// ApiVersionsRequest describes the ApiVersions call. The client software fields
// only exist from v3 on.
type ApiVersionsRequest struct {
	ClientSoftwareName    string
	ClientSoftwareVersion string
	// Unparsed holds body bytes that did not decode for the requested version.
	Unparsed []byte
}

func (ApiVersionsRequest) APIKey() int16 { return APIKeyApiVersion }

// UnknownRequest carries a request whose API key has no decoder.
type UnknownRequest struct {
	Key  int16
	Body []byte
}

func (r UnknownRequest) APIKey() int16 { return r.Key }

type requestSpec struct {
	name string
	// flexibleFrom is the first version using header v2 and compact encodings.
	flexibleFrom int16
	decode       func(r *byteReader, version int16, flexible bool) (Request, error)
}

var requestSpecs = map[int16]requestSpec{
	APIKeyApiVersion: {
		name:         "ApiVersions",
		flexibleFrom: 3,
		decode:       decodeApiVersionsRequest,
	},
}

func isFlexibleRequest(apiKey, version int16) bool {
	spec, ok := requestSpecs[apiKey]
	if !ok {
		return false
	}
	return version >= spec.flexibleFrom
}

// ParseRequestHeader decodes the header portion from raw bytes.
func ParseRequestHeader(b []byte) (*RequestHeader, *byteReader, error) {
	if len(b) < minRequestHeaderSize {
		return nil, nil, fmt.Errorf("%w: request header needs %d bytes, got %d", ErrTruncated, minRequestHeaderSize, len(b))
	}
	reader := newByteReader(b)
	apiKey, err := reader.Int16()
	if err != nil {
		return nil, nil, fmt.Errorf("read api key: %w", err)
	}
	version, err := reader.Int16()
	if err != nil {
		return nil, nil, fmt.Errorf("read api version: %w", err)
	}
	correlationID, err := reader.Int32()
	if err != nil {
		return nil, nil, fmt.Errorf("read correlation id: %w", err)
	}
	clientID, err := reader.NullableString()
	if err != nil {
		return nil, nil, fmt.Errorf("read client id: %w", err)
	}
	header := &RequestHeader{
		APIKey:        apiKey,
		APIVersion:    version,
		CorrelationID: correlationID,
		ClientID:      clientID,
	}
	// A flexible header that ends right after the client id is accepted as
	// carrying no tags; some minimal clients omit the block.
	if isFlexibleRequest(apiKey, version) && reader.remaining() > 0 {
		if _, err := reader.SkipTaggedFields(); err != nil {
			return nil, nil, fmt.Errorf("skip header tags: %w", err)
		}
		header.Flexible = true
	}
	return header, reader, nil
}

// ParseRequest decodes a request header and body from bytes. API keys without
// a decoder yield *UnknownRequest so callers can reply or close uniformly.
func ParseRequest(b []byte) (*RequestHeader, Request, error) {
	header, reader, err := ParseRequestHeader(b)
	if err != nil {
		return nil, nil, err
	}
	spec, ok := requestSpecs[header.APIKey]
	if !ok {
		return header, &UnknownRequest{Key: header.APIKey, Body: reader.rest()}, nil
	}
	req, err := spec.decode(reader, header.APIVersion, isFlexibleRequest(header.APIKey, header.APIVersion))
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s v%d: %w", spec.name, header.APIVersion, err)
	}
	return header, req, nil
}

// decodeApiVersionsRequest never fails: the handshake must be answerable even
// when a client sends a body this broker does not understand.
func decodeApiVersionsRequest(r *byteReader, version int16, flexible bool) (Request, error) {
	req := &ApiVersionsRequest{}
	if !flexible {
		if r.remaining() > 0 {
			req.Unparsed = r.rest()
		}
		return req, nil
	}
	start := r.offset()
	name, err := r.CompactString()
	if err == nil {
		req.ClientSoftwareName = name
		var ver string
		ver, err = r.CompactString()
		if err == nil {
			req.ClientSoftwareVersion = ver
			_, err = r.SkipTaggedFields()
		}
	}
	if err != nil {
		req.ClientSoftwareName = ""
		req.ClientSoftwareVersion = ""
		req.Unparsed = r.buf[start:]
	}
	return req, nil
}
