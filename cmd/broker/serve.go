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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/kafgate/internal/config"
	"github.com/novatechflow/kafgate/pkg/broker"
)

// serveAddrs holds the bound addresses; empty entries are disabled.
type serveAddrs struct {
	Broker  string
	Metrics string
	Control string
}

// runServe runs the broker until ctx is cancelled. ready, when non-nil, is called
// once every enabled listener is bound.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(serveAddrs)) error {
	policy, err := broker.ParseUnknownAPIPolicy(cfg.Broker.UnknownAPIPolicy)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := &broker.Server{
		Addr:           cfg.Broker.Listen,
		Handler:        broker.NewDispatcher(cfg.ProtocolAPIVersions(), policy),
		Logger:         logger,
		Metrics:        broker.NewMetrics(reg),
		MaxFrameBytes:  cfg.Broker.MaxFrameBytes,
		MaxConnections: cfg.Broker.MaxConnections,
		IdleTimeout:    cfg.Broker.IdleTimeout,
		WriteTimeout:   cfg.Broker.WriteTimeout,
	}
	if err := srv.Listen(ctx); err != nil {
		return err
	}

	// side listeners stop with auxCtx so an early return does not leak them
	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	addrs := serveAddrs{Broker: srv.ListenAddress()}
	if cfg.Metrics.Enabled {
		addrs.Metrics, err = startMetricsServer(auxCtx, cfg.Metrics.Listen, reg, srv, logger)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}
	if cfg.Control.Enabled {
		addrs.Control, err = startControlServer(auxCtx, cfg.Control.Listen, logger)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}
	logger.Info("broker started", "addr", addrs.Broker, "metrics_addr", addrs.Metrics, "control_addr", addrs.Control, "version", brokerVersion)
	if ready != nil {
		ready(addrs)
	}

	shutdownDone := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownTimeout)
		defer cancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ctx); err != nil {
		logger.Error("broker server error", "error", err)
		return err
	}
	if err := <-shutdownDone; err != nil {
		logger.Warn("broker shutdown incomplete", "error", err)
		return err
	}
	logger.Info("broker stopped")
	return nil
}

func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, srv *broker.Server, logger *slog.Logger) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok active=%d\n", srv.ActiveConnections())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !srv.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
			return
		}
		fmt.Fprintf(w, "ready addr=%s\n", srv.ListenAddress())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}
