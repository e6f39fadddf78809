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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const maxAcceptBackoff = time.Second

// Server accepts Kafka protocol connections and serves each on its own goroutine.
type Server struct {
	Addr    string
	Handler Handler
	Logger  *slog.Logger
	Metrics *Metrics

	// MaxFrameBytes bounds a request frame; zero means protocol.DefaultMaxFrameBytes.
	MaxFrameBytes int32
	// MaxConnections bounds concurrent connections; zero means unlimited.
	MaxConnections int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration

	mu           sync.Mutex
	listener     net.Listener
	conns        *connRegistry
	workers      errgroup.Group
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	nextID       atomic.Uint64
	initOnce     sync.Once
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.conns = newConnRegistry()
		if s.MaxConnections > 0 {
			s.workers.SetLimit(s.MaxConnections)
		}
		if s.Handler == nil {
			s.Handler = NewDispatcher(DefaultAPIVersions(), UnknownAPIReply)
		}
		if s.Metrics == nil {
			s.Metrics = NewMetrics(nil)
		}
		if s.Logger == nil {
			s.Logger = slog.New(slog.DiscardHandler)
		}
	})
}

// Listen binds the listening socket with SO_REUSEADDR. It is separate from Serve
// so callers can learn the bound address before accepting.
func (s *Server) Listen(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("broker: server already listening")
	}
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Logger.Info("broker listening", "addr", ln.Addr().String())
	return nil
}

// ListenAndServe binds and serves until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener. Cancelling ctx starts a
// shutdown; Serve returns once every connection worker has exited.
func (s *Server) Serve(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("broker: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.beginShutdown()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return s.workers.Wait()
			}
			if isTemporaryAcceptError(err) {
				backoff = nextBackoff(backoff)
				s.Logger.Warn("accept temporary error", "error", err, "retry_in", backoff)
				time.Sleep(backoff)
				continue
			}
			_ = s.beginShutdown()
			return multierror.Append(fmt.Errorf("accept: %w", err), s.workers.Wait()).ErrorOrNil()
		}
		backoff = 0
		s.accept(ctx, conn)
	}
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(prev*2, maxAcceptBackoff)
}

func (s *Server) accept(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	id := s.nextID.Add(1)
	started := s.conns.track(id, conn, func() bool {
		s.Metrics.ConnectionsActive.Inc()
		ok := s.workers.TryGo(func() error {
			defer s.conns.untrack(id)
			defer s.Metrics.ConnectionsActive.Dec()
			defer conn.Close()
			s.serveConn(ctx, id, conn)
			return nil
		})
		if !ok {
			s.Metrics.ConnectionsActive.Dec()
		}
		return ok
	})
	if !started {
		s.Metrics.ConnectionsRejected.Inc()
		s.Logger.Warn("connection rejected", "peer", peerAddr(conn), "active", s.conns.len(), "max_connections", s.MaxConnections)
		_ = conn.Close()
		return
	}
	s.Metrics.ConnectionsAccepted.Inc()
}

// beginShutdown stops accepting and interrupts idle reads. It is idempotent.
func (s *Server) beginShutdown() error {
	s.init()
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		var result *multierror.Error
		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
			}
		}
		s.mu.Unlock()
		if err := s.conns.seal(); err != nil {
			result = multierror.Append(result, fmt.Errorf("interrupt connections: %w", err))
		}
		s.shutdownErr = result.ErrorOrNil()
		s.Logger.Info("broker shutting down", "active", s.conns.len())
	})
	return s.shutdownErr
}

// Shutdown stops accepting, lets in-flight requests finish and waits for all
// connection workers. When ctx expires first, remaining connections have their
// reads and writes interrupted and ctx.Err() is part of the returned error.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := s.beginShutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	done := make(chan error, 1)
	go func() { done <- s.workers.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
		if err := s.conns.expire(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := <-done; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Wait blocks until all connection workers exit.
func (s *Server) Wait() error {
	return s.workers.Wait()
}

// ListenAddress returns the actual listener address if the server has started.
func (s *Server) ListenAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.Addr
}

// ActiveConnections reports connections currently being served.
func (s *Server) ActiveConnections() int {
	s.init()
	return s.conns.len()
}

// Ready reports whether the server is bound and not shutting down.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.shuttingDown.Load()
}
