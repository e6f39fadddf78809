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
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/novatechflow/kafgate/pkg/protocol"
)

const namespace = "kafgate"

// Protocol error kinds reported through kafgate_protocol_errors_total.
const (
	errKindTruncatedFrame = "truncated_frame"
	errKindFrameTooLarge  = "frame_too_large"
	errKindMalformedFrame = "malformed_frame"
	errKindBadHeader      = "bad_header"
	errKindReadError      = "read_error"
	errKindWriteError     = "write_error"
	errKindHandlerError   = "handler_error"
)

// Metrics holds the broker collectors. A nil Registerer keeps them private,
// which is what tests and embedded servers usually want.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	Requests            *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	BytesIn             prometheus.Counter
	BytesOut            prometheus.Counter
	ProtocolErrors      *prometheus.CounterVec

	rate *rateTracker
}

// NewMetrics builds the broker collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed at accept because of the connection limit or shutdown.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently being served.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by API, outcome and Kafka error code.",
		}, []string{"api", "outcome", "error"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from a decoded request to its encoded response.",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		}, []string{"api"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Request bytes read, size prefixes included.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Response bytes written, size prefixes included.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections ended by a framing, decode or I/O failure.",
		}, []string{"kind"}),
		rate: newRateTracker(time.Minute),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsAccepted,
			m.ConnectionsRejected,
			m.ConnectionsActive,
			m.Requests,
			m.RequestDuration,
			m.BytesIn,
			m.BytesOut,
			m.ProtocolErrors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "request_rate",
				Help:      "Requests per second over the last minute.",
			}, m.RequestRate),
		)
	}
	return m
}

func (m *Metrics) observeRequest(apiKey int16, outcome Outcome, errorCode int16, elapsed time.Duration) {
	api := apiLabel(apiKey)
	m.Requests.WithLabelValues(api, outcome.String(), errorLabel(errorCode)).Inc()
	m.RequestDuration.WithLabelValues(api).Observe(elapsed.Seconds())
	m.rate.add(1)
}

// RequestRate reports requests per second over the tracker window.
func (m *Metrics) RequestRate() float64 {
	return m.rate.perSecond()
}

// apiLabel keeps label cardinality bounded for arbitrary client keys.
func apiLabel(apiKey int16) string {
	if name, ok := protocol.LookupAPIName(apiKey); ok {
		return name
	}
	return "unknown"
}

func errorLabel(code int16) string {
	if code == protocol.NONE {
		return "NONE"
	}
	if err := kerr.ErrorForCode(code); err != nil {
		var ke *kerr.Error
		if errors.As(err, &ke) && ke.Code == code {
			return ke.Message
		}
	}
	return strconv.Itoa(int(code))
}

// rateTracker counts events in one-second slots over a fixed window.
type rateTracker struct {
	mu    sync.Mutex
	slots []int64
	// stamps holds the unix second each slot was last written for.
	stamps []int64
	now    func() time.Time
}

func newRateTracker(window time.Duration) *rateTracker {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &rateTracker{
		slots:  make([]int64, n),
		stamps: make([]int64, n),
		now:    time.Now,
	}
}

func (t *rateTracker) add(count int64) {
	if count <= 0 {
		return
	}
	sec := t.now().Unix()
	idx := int(sec % int64(len(t.slots)))
	t.mu.Lock()
	if t.stamps[idx] != sec {
		t.stamps[idx] = sec
		t.slots[idx] = 0
	}
	t.slots[idx] += count
	t.mu.Unlock()
}

func (t *rateTracker) perSecond() float64 {
	sec := t.now().Unix()
	window := int64(len(t.slots))
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	oldest := sec
	for i, stamp := range t.stamps {
		if stamp == 0 || sec-stamp >= window {
			continue
		}
		total += t.slots[i]
		if stamp < oldest {
			oldest = stamp
		}
	}
	if total == 0 {
		return 0
	}
	return float64(total) / float64(sec-oldest+1)
}
