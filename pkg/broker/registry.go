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
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// connRegistry tracks live connections so shutdown can interrupt their reads.
// Once sealed it refuses new connections.
type connRegistry struct {
	mu     sync.Mutex
	conns  map[uint64]net.Conn
	sealed bool
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[uint64]net.Conn)}
}

// track registers conn and runs start while holding the lock, so a seal that
// follows observes both. It reports false when the registry is sealed or start
// declines the connection.
func (r *connRegistry) track(id uint64, conn net.Conn, start func() bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	if !start() {
		return false
	}
	r.conns[id] = conn
	return true
}

func (r *connRegistry) untrack(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// seal stops new registrations and makes every blocked read return. Writes in
// progress are left alone so an answered request still reaches its client.
func (r *connRegistry) seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	var result *multierror.Error
	now := time.Now()
	for _, conn := range r.conns {
		if err := conn.SetReadDeadline(now); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// expire interrupts reads and writes on every tracked connection.
func (r *connRegistry) expire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	now := time.Now()
	for _, conn := range r.conns {
		if err := conn.SetDeadline(now); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
