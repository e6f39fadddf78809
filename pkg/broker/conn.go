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
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/novatechflow/kafgate/pkg/protocol"
)

// hexDumpLimit caps how much of an undecodable frame is logged.
const hexDumpLimit = 256

// serveConn runs the request loop for one client. It returns when the client
// hangs up, a frame cannot be framed or decoded, an I/O error occurs, or the
// server is shutting down. The caller owns closing conn.
func (s *Server) serveConn(ctx context.Context, id uint64, conn net.Conn) {
	s.init()
	logger := s.Logger.With("conn", id, "peer", peerAddr(conn))
	logger.Debug("connection opened")
	maxFrame := s.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameBytes
	}
	for {
		if s.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		// Checked after the deadline so an interrupt from seal cannot be overwritten.
		if s.shuttingDown.Load() {
			logger.Debug("connection closed for shutdown")
			return
		}
		frame, err := protocol.ReadFrameLimit(conn, maxFrame)
		if err != nil {
			s.readFailed(logger, err)
			return
		}
		s.Metrics.BytesIn.Add(float64(4 + len(frame.Payload)))

		header, req, err := protocol.ParseRequest(frame.Payload)
		if err != nil {
			s.Metrics.ProtocolErrors.WithLabelValues(errKindBadHeader).Inc()
			logger.Warn("undecodable request, closing", "bytes", len(frame.Payload), "error", err)
			if logger.Enabled(ctx, slog.LevelDebug) {
				dump := frame.Payload
				if len(dump) > hexDumpLimit {
					dump = dump[:hexDumpLimit]
				}
				logger.Debug("undecodable request payload", "hex", hex.Dump(dump))
			}
			return
		}
		reqLogger := logger.With(
			"api_key", header.APIKey,
			"api_version", header.APIVersion,
			"correlation", header.CorrelationID,
		)

		start := time.Now()
		resp, err := s.Handler.Handle(ctx, header, req)
		if err != nil {
			s.Metrics.ProtocolErrors.WithLabelValues(errKindHandlerError).Inc()
			reqLogger.Error("handle request", "error", err)
			return
		}
		s.Metrics.observeRequest(header.APIKey, resp.Outcome, resp.ErrorCode, time.Since(start))
		if resp.Outcome == OutcomeRejected {
			reqLogger.Info("unsupported api", "api", protocol.APIName(header.APIKey), "close", resp.Close)
		} else {
			reqLogger.Debug("request handled", "error_code", resp.ErrorCode)
		}

		if resp.Payload != nil {
			if s.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			}
			if err := protocol.WriteFrame(conn, resp.Payload); err != nil {
				s.Metrics.ProtocolErrors.WithLabelValues(errKindWriteError).Inc()
				reqLogger.Warn("write response", "error", err)
				return
			}
			s.Metrics.BytesOut.Add(float64(4 + len(resp.Payload)))
		}
		if resp.Close {
			return
		}
	}
}

func (s *Server) readFailed(logger *slog.Logger, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("client closed connection")
	case s.shuttingDown.Load():
		logger.Debug("connection closed for shutdown")
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("idle timeout, closing", "idle_timeout", s.IdleTimeout)
	case errors.Is(err, protocol.ErrTruncated):
		s.Metrics.ProtocolErrors.WithLabelValues(errKindTruncatedFrame).Inc()
		logger.Warn("truncated frame", "error", err)
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.Metrics.ProtocolErrors.WithLabelValues(errKindFrameTooLarge).Inc()
		logger.Warn("frame too large", "error", err)
	case errors.Is(err, protocol.ErrMalformed):
		s.Metrics.ProtocolErrors.WithLabelValues(errKindMalformedFrame).Inc()
		logger.Warn("malformed frame", "error", err)
	default:
		s.Metrics.ProtocolErrors.WithLabelValues(errKindReadError).Inc()
		logger.Warn("read frame", "error", err)
	}
}

func peerAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
