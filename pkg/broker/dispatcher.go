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

package broker

import (
	"context"
	"fmt"

	"github.com/novatechflow/kafgate/pkg/protocol"
)

// Outcome classifies how a request was answered.
type Outcome int

const (
	// OutcomeHandled means the API key is served, possibly with a Kafka error code.
	OutcomeHandled Outcome = iota + 1
	// OutcomeRejected means the API key is not served at all.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unclassified"
	}
}

// UnknownAPIPolicy selects the reaction to API keys the broker does not serve.
type UnknownAPIPolicy string

const (
	// UnknownAPIReply answers with [correlation_id][UNSUPPORTED_VERSION] and keeps the connection.
	UnknownAPIReply UnknownAPIPolicy = "reply"
	// UnknownAPIClose drops the connection without a reply.
	UnknownAPIClose UnknownAPIPolicy = "close"
)

// ParseUnknownAPIPolicy validates a policy name; the empty string selects UnknownAPIReply.
func ParseUnknownAPIPolicy(s string) (UnknownAPIPolicy, error) {
	switch UnknownAPIPolicy(s) {
	case "", UnknownAPIReply:
		return UnknownAPIReply, nil
	case UnknownAPIClose:
		return UnknownAPIClose, nil
	default:
		return "", fmt.Errorf("unknown api policy %q (want reply or close)", s)
	}
}

// Response is the result of handling one request.
type Response struct {
	// Payload is written as a single frame when non-nil.
	Payload   []byte
	Outcome   Outcome
	ErrorCode int16
	// Close ends the connection after Payload, if any, is written.
	Close bool
}

// Handler processes parsed Kafka protocol requests.
type Handler interface {
	Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) (*Response, error)
}

// DefaultAPIVersions is the capability table advertised when none is configured.
func DefaultAPIVersions() []protocol.ApiVersion {
	return []protocol.ApiVersion{
		{APIKey: protocol.APIKeyApiVersion, MinVersion: protocol.ApiVersionsMinVersion, MaxVersion: protocol.ApiVersionsMaxVersion},
		{APIKey: protocol.APIKeyDescribeTopicPartitions, MinVersion: 0, MaxVersion: 0},
	}
}

// Dispatcher answers ApiVersions and applies the unknown-API policy to everything else.
type Dispatcher struct {
	apiKeys     []protocol.ApiVersion
	apiVersions protocol.ApiVersion
	policy      UnknownAPIPolicy
}

// NewDispatcher returns a dispatcher advertising apiKeys. The ApiVersions entry in
// apiKeys, clamped to the encodable versions, decides which handshake versions succeed.
func NewDispatcher(apiKeys []protocol.ApiVersion, policy UnknownAPIPolicy) *Dispatcher {
	if len(apiKeys) == 0 {
		apiKeys = DefaultAPIVersions()
	}
	if policy == "" {
		policy = UnknownAPIReply
	}
	d := &Dispatcher{
		apiKeys: append([]protocol.ApiVersion(nil), apiKeys...),
		apiVersions: protocol.ApiVersion{
			APIKey:     protocol.APIKeyApiVersion,
			MinVersion: protocol.ApiVersionsMinVersion,
			MaxVersion: protocol.ApiVersionsMaxVersion,
		},
		policy: policy,
	}
	for _, v := range d.apiKeys {
		if v.APIKey != protocol.APIKeyApiVersion {
			continue
		}
		d.apiVersions.MinVersion = max(v.MinVersion, protocol.ApiVersionsMinVersion)
		d.apiVersions.MaxVersion = min(v.MaxVersion, protocol.ApiVersionsMaxVersion)
	}
	return d
}

// APIKeys returns a copy of the advertised capability table.
func (d *Dispatcher) APIKeys() []protocol.ApiVersion {
	return append([]protocol.ApiVersion(nil), d.apiKeys...)
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) (*Response, error) {
	switch req.(type) {
	case *protocol.ApiVersionsRequest:
		return d.handleApiVersions(header)
	default:
		return d.reject(header), nil
	}
}

func (d *Dispatcher) handleApiVersions(header *protocol.RequestHeader) (*Response, error) {
	resp := &protocol.ApiVersionsResponse{CorrelationID: header.CorrelationID}
	version := header.APIVersion
	if d.apiVersions.Contains(version) {
		resp.APIKeys = d.apiKeys
	} else {
		// v0 is the only layout every client can parse.
		resp.ErrorCode = protocol.UNSUPPORTED_VERSION
		version = 0
	}
	payload, err := protocol.EncodeApiVersionsResponse(resp, version)
	if err != nil {
		return nil, fmt.Errorf("encode api versions v%d: %w", version, err)
	}
	return &Response{Payload: payload, Outcome: OutcomeHandled, ErrorCode: resp.ErrorCode}, nil
}

func (d *Dispatcher) reject(header *protocol.RequestHeader) *Response {
	if d.policy == UnknownAPIClose {
		return &Response{Outcome: OutcomeRejected, ErrorCode: protocol.UNSUPPORTED_VERSION, Close: true}
	}
	return &Response{
		Payload:   protocol.EncodeErrorResponse(header.CorrelationID, protocol.UNSUPPORTED_VERSION),
		Outcome:   OutcomeRejected,
		ErrorCode: protocol.UNSUPPORTED_VERSION,
	}
}
