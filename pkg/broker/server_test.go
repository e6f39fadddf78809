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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/kafgate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func apiVersionsFrame(version int16, correlationID int32) []byte {
	req := kmsg.NewPtrApiVersionsRequest()
	req.Version = version
	if version >= 3 {
		req.ClientSoftwareName = "kafgate-test"
		req.ClientSoftwareVersion = "0.0.1"
	}
	formatter := kmsg.NewRequestFormatter(kmsg.FormatterClientID("tester"))
	return formatter.AppendRequest(nil, req, correlationID)
}

func metadataFrame(correlationID int32) []byte {
	req := kmsg.NewPtrMetadataRequest()
	req.Version = 1
	topic := "orders"
	req.Topics = []kmsg.MetadataRequestTopic{{Topic: &topic}}
	formatter := kmsg.NewRequestFormatter(kmsg.FormatterClientID("tester"))
	return formatter.AppendRequest(nil, req, correlationID)
}

func readApiVersions(conn net.Conn, version int16) (*protocol.ApiVersionsResponse, error) {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeApiVersionsResponse(frame.Payload, version)
}

func startPipe(t *testing.T, s *Server) (net.Conn, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverConn.Close()
		s.serveConn(context.Background(), 1, serverConn)
	}()
	t.Cleanup(func() { _ = clientConn.Close() })
	return clientConn, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection handler did not exit")
	}
}

// scriptConn replays a fixed input and records everything written.
type scriptConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newScriptConn(input []byte) *scriptConn {
	return &scriptConn{in: bytes.NewReader(input)}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

func (c *scriptConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *scriptConn) Close() error {
	return nil
}

func (c *scriptConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9092}
}

func (c *scriptConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *scriptConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *scriptConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *scriptConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func TestServeConnApiVersionsAllVersions(t *testing.T) {
	s := &Server{Logger: testLogger()}
	client, done := startPipe(t, s)

	for version := int16(0); version <= 4; version++ {
		corr := int32(7 + version)
		if _, err := client.Write(apiVersionsFrame(version, corr)); err != nil {
			t.Fatalf("v%d write: %v", version, err)
		}
		resp, err := readApiVersions(client, version)
		if err != nil {
			t.Fatalf("v%d read: %v", version, err)
		}
		if resp.CorrelationID != corr || resp.ErrorCode != protocol.NONE {
			t.Fatalf("v%d unexpected response %+v", version, resp)
		}
		if len(resp.APIKeys) != 2 || resp.APIKeys[0].APIKey != protocol.APIKeyApiVersion || resp.APIKeys[0].MaxVersion != 4 {
			t.Fatalf("v%d unexpected api keys %+v", version, resp.APIKeys)
		}
	}

	client.Close()
	waitDone(t, done)
	if got := testutil.ToFloat64(s.Metrics.Requests.WithLabelValues("ApiVersions", "handled", "NONE")); got != 5 {
		t.Fatalf("expected 5 handled requests, got %v", got)
	}
}

func TestServeConnUnsupportedVersion(t *testing.T) {
	s := &Server{Logger: testLogger()}
	client, done := startPipe(t, s)

	payload := protocol.AppendInt16(nil, protocol.APIKeyApiVersion)
	payload = protocol.AppendInt16(payload, 99)
	payload = protocol.AppendInt32(payload, 42)
	payload = protocol.AppendNullableString(payload, nil)
	payload = protocol.AppendUVarint(payload, 0)
	if err := protocol.WriteFrame(client, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x2a, 0x00, 0x23, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(frame.Payload, want) {
		t.Fatalf("unexpected payload %x", frame.Payload)
	}
	client.Close()
	waitDone(t, done)
}

func TestServeConnPartialWrites(t *testing.T) {
	s := &Server{Logger: testLogger()}
	client, done := startPipe(t, s)

	for _, b := range apiVersionsFrame(4, 31337) {
		if _, err := client.Write([]byte{b}); err != nil {
			t.Fatalf("write byte: %v", err)
		}
	}
	resp, err := readApiVersions(client, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.CorrelationID != 31337 {
		t.Fatalf("unexpected correlation id %d", resp.CorrelationID)
	}
	client.Close()
	waitDone(t, done)
}

func TestServeConnPipelinedRequests(t *testing.T) {
	s := &Server{Logger: testLogger()}
	client, done := startPipe(t, s)

	var batch []byte
	for i := int32(0); i < 3; i++ {
		batch = append(batch, apiVersionsFrame(int16(i), 100+i)...)
	}
	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write(batch)
		writeErr <- err
	}()
	for i := int32(0); i < 3; i++ {
		resp, err := readApiVersions(client, int16(i))
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if resp.CorrelationID != 100+i {
			t.Fatalf("response %d out of order: correlation %d", i, resp.CorrelationID)
		}
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write batch: %v", err)
	}
	client.Close()
	waitDone(t, done)
}

func TestServeConnUnknownAPIReplyKeepsConnection(t *testing.T) {
	s := &Server{Logger: testLogger()}
	client, done := startPipe(t, s)

	if _, err := client.Write(metadataFrame(55)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	frame, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if !bytes.Equal(frame.Payload, []byte{0x00, 0x00, 0x00, 0x37, 0x00, 0x23}) {
		t.Fatalf("unexpected error reply %x", frame.Payload)
	}

	if _, err := client.Write(apiVersionsFrame(3, 56)); err != nil {
		t.Fatalf("write api versions: %v", err)
	}
	resp, err := readApiVersions(client, 3)
	if err != nil {
		t.Fatalf("read api versions: %v", err)
	}
	if resp.CorrelationID != 56 {
		t.Fatalf("unexpected correlation id %d", resp.CorrelationID)
	}
	client.Close()
	waitDone(t, done)
	if got := testutil.ToFloat64(s.Metrics.Requests.WithLabelValues("Metadata", "rejected", "UNSUPPORTED_VERSION")); got != 1 {
		t.Fatalf("expected one rejected metadata request, got %v", got)
	}
}

func TestServeConnUnknownAPIClose(t *testing.T) {
	s := &Server{Logger: testLogger(), Handler: NewDispatcher(nil, UnknownAPIClose)}
	client, done := startPipe(t, s)

	if _, err := client.Write(metadataFrame(9)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if _, err := protocol.ReadFrame(client); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection close, got %v", err)
	}
	waitDone(t, done)
}

func TestServeConnTruncatedFrameWritesNothing(t *testing.T) {
	input := apiVersionsFrame(0, 1)
	input = append(input, 0x00, 0x00, 0x00, 0x14, 0x00, 0x12, 0x00, 0x00, 0x00)
	conn := newScriptConn(input)
	s := &Server{Logger: testLogger()}
	s.serveConn(context.Background(), 1, conn)

	frame, err := protocol.ReadFrame(&conn.out)
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	if corr, _, _ := protocol.DecodeInt32(frame.Payload, 0); corr != 1 {
		t.Fatalf("unexpected correlation id %d", corr)
	}
	if conn.out.Len() != 0 {
		t.Fatalf("expected nothing written for truncated frame, %d bytes left", conn.out.Len())
	}
	if got := testutil.ToFloat64(s.Metrics.ProtocolErrors.WithLabelValues(errKindTruncatedFrame)); got != 1 {
		t.Fatalf("expected truncated frame error, got %v", got)
	}
}

func TestServeConnRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		kind  string
	}{
		{"short header", []byte{0, 0, 0, 9, 0, 18, 0, 4, 0, 0, 0, 1, 0}, errKindBadHeader},
		{"too large", []byte{0, 0, 0x10, 0, 1, 2, 3}, errKindFrameTooLarge},
		{"negative size", []byte{0xff, 0xff, 0xff, 0xf0}, errKindMalformedFrame},
		{"client id overrun", []byte{0, 0, 0, 12, 0, 18, 0, 0, 0, 0, 0, 1, 0, 50, 'a', 'b'}, errKindBadHeader},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newScriptConn(tc.input)
			s := &Server{Logger: testLogger(), MaxFrameBytes: 1024}
			s.serveConn(context.Background(), 1, conn)
			if conn.out.Len() != 0 {
				t.Fatalf("expected no response, got %x", conn.out.Bytes())
			}
			if got := testutil.ToFloat64(s.Metrics.ProtocolErrors.WithLabelValues(tc.kind)); got != 1 {
				t.Fatalf("expected %s error, got %v", tc.kind, got)
			}
		})
	}
}

func TestServeConnIdleTimeout(t *testing.T) {
	s := &Server{Logger: testLogger(), IdleTimeout: 50 * time.Millisecond}
	_, done := startPipe(t, s)
	waitDone(t, done)
}

func listenLocal(t *testing.T, s *Server) {
	t.Helper()
	if s.Addr == "" {
		s.Addr = "127.0.0.1:0"
	}
	if err := s.Listen(context.Background()); err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
			t.Skip("binding sockets not permitted in sandbox")
		}
		t.Fatalf("Listen: %v", err)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{Logger: testLogger()}
	listenLocal(t, s)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	const clients, requests = 2, 100
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", s.ListenAddress())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			for i := 0; i < requests; i++ {
				version := int16(i % 5)
				corr := int32(c*10000 + i)
				if _, err := conn.Write(apiVersionsFrame(version, corr)); err != nil {
					errs <- err
					return
				}
				resp, err := readApiVersions(conn, version)
				if err != nil {
					errs <- err
					return
				}
				if resp.CorrelationID != corr {
					errs <- fmt.Errorf("client %d: expected correlation %d got %d", c, corr, resp.CorrelationID)
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("client error: %v", err)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not exit after cancel")
	}
	if got := testutil.ToFloat64(s.Metrics.ConnectionsAccepted); got != clients {
		t.Fatalf("expected %d accepted connections, got %v", clients, got)
	}
	if got := testutil.ToFloat64(s.Metrics.Requests.WithLabelValues("ApiVersions", "handled", "NONE")); got != clients*requests {
		t.Fatalf("expected %d requests, got %v", clients*requests, got)
	}
}

func TestServerShutdownClosesIdleConnections(t *testing.T) {
	s := &Server{Logger: testLogger()}
	listenLocal(t, s)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", s.ListenAddress())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(apiVersionsFrame(4, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readApiVersions(conn, 4); err != nil {
		t.Fatalf("read: %v", err)
	}
	// leave a partial frame pending on the server side
	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after Shutdown")
	}
	if n := s.ActiveConnections(); n != 0 {
		t.Fatalf("expected no active connections, got %d", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected closed connection after shutdown")
	}
	if _, err := net.DialTimeout("tcp", s.ListenAddress(), 200*time.Millisecond); err == nil {
		t.Fatalf("expected dial to fail after shutdown")
	}
	// a second shutdown is a no-op
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

type slowHandler struct {
	next    Handler
	delay   time.Duration
	started chan struct{}
}

func (h *slowHandler) Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) (*Response, error) {
	close(h.started)
	time.Sleep(h.delay)
	return h.next.Handle(ctx, header, req)
}

func TestServerShutdownWaitsForInFlightRequest(t *testing.T) {
	handler := &slowHandler{
		next:    NewDispatcher(DefaultAPIVersions(), UnknownAPIReply),
		delay:   300 * time.Millisecond,
		started: make(chan struct{}),
	}
	s := &Server{Logger: testLogger(), Handler: handler}
	listenLocal(t, s)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", s.ListenAddress())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(apiVersionsFrame(4, 77)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("request never reached the handler")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- s.Shutdown(ctx)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := readApiVersions(conn, 4)
	if err != nil {
		t.Fatalf("read in-flight response: %v", err)
	}
	if resp.CorrelationID != 77 || resp.ErrorCode != protocol.NONE {
		t.Fatalf("unexpected response corr=%d error=%d", resp.CorrelationID, resp.ErrorCode)
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after Shutdown")
	}
}

func TestServerMaxConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Server{Logger: testLogger(), MaxConnections: 1}
	listenLocal(t, s)
	go func() { _ = s.Serve(ctx) }()

	first, err := net.Dial("tcp", s.ListenAddress())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := first.Write(apiVersionsFrame(0, 1)); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if _, err := readApiVersions(first, 0); err != nil {
		t.Fatalf("read first: %v", err)
	}

	second, err := net.Dial("tcp", s.ListenAddress())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("expected second connection to be closed, got %v", err)
	}
	if got := testutil.ToFloat64(s.Metrics.ConnectionsRejected); got != 1 {
		t.Fatalf("expected one rejected connection, got %v", got)
	}
}

func TestServeRequiresListen(t *testing.T) {
	s := &Server{}
	if err := s.Serve(context.Background()); err == nil {
		t.Fatalf("expected error when Serve is called before Listen")
	}
}
