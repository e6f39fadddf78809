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
	"io"
	"net"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/kafgate/pkg/protocol"
)

type probeOptions struct {
	addr       string
	version    int16
	via        string
	timeout    time.Duration
	retries    int
	retrySleep time.Duration
}

func newProbeCommand() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send an ApiVersions request to a broker and print the advertised table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := retryProbe(cmd.Context(), opts.retries, opts.retrySleep, func(ctx context.Context) (*protocol.ApiVersionsResponse, error) {
				return runProbe(ctx, opts)
			})
			if err != nil {
				return fmt.Errorf("probe %s failed: %w", opts.addr, err)
			}
			return printApiVersions(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:9092", "broker address")
	cmd.Flags().Int16Var(&opts.version, "api-version", 4, "ApiVersions request version (raw mode)")
	cmd.Flags().StringVar(&opts.via, "via", "raw", "request path: raw (single TCP exchange) or kgo (franz-go client)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "dial and exchange timeout")
	cmd.Flags().IntVar(&opts.retries, "retries", 1, "attempts before giving up")
	cmd.Flags().DurationVar(&opts.retrySleep, "retry-sleep", 200*time.Millisecond, "pause between attempts")
	return cmd
}

// retryProbe calls attempt up to attempts times, pausing between failures.
// Cancelling ctx ends the pause early with the last attempt's error joined to ctx's.
func retryProbe(ctx context.Context, attempts int, pause time.Duration, attempt func(context.Context) (*protocol.ApiVersionsResponse, error)) (*protocol.ApiVersionsResponse, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := attempt(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, multierror.Append(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func runProbe(ctx context.Context, opts probeOptions) (*protocol.ApiVersionsResponse, error) {
	switch opts.via {
	case "raw":
		return probeRaw(ctx, opts.addr, opts.version, opts.timeout)
	case "kgo":
		return probeKgo(ctx, opts.addr, opts.timeout)
	default:
		return nil, fmt.Errorf("unknown probe path %q", opts.via)
	}
}

// probeRaw performs one framed exchange without any client library negotiation.
func probeRaw(ctx context.Context, addr string, version int16, timeout time.Duration) (*protocol.ApiVersionsResponse, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req := kmsg.NewPtrApiVersionsRequest()
	req.Version = version
	req.ClientSoftwareName = "kafgate-probe"
	req.ClientSoftwareVersion = brokerVersion
	formatter := kmsg.NewRequestFormatter(kmsg.FormatterClientID("kafgate-probe"))
	if _, err := conn.Write(formatter.AppendRequest(nil, req, 1)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	respVersion := version
	if respVersion < protocol.ApiVersionsMinVersion || respVersion > protocol.ApiVersionsMaxVersion {
		respVersion = 0
	}
	resp, err := protocol.DecodeApiVersionsResponse(frame.Payload, respVersion)
	if err != nil && respVersion != 0 {
		// an UNSUPPORTED_VERSION answer uses the v0 layout
		resp, err = protocol.DecodeApiVersionsResponse(frame.Payload, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.CorrelationID != 1 {
		return nil, fmt.Errorf("correlation id mismatch: got %d", resp.CorrelationID)
	}
	return resp, nil
}

// probeKgo asks a seed broker directly, so no Metadata request is needed.
func probeKgo(ctx context.Context, addr string, timeout time.Duration) (*protocol.ApiVersionsResponse, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.DialTimeout(timeout),
		kgo.ClientID("kafgate-probe"),
		kgo.SoftwareNameAndVersion("kafgate-probe", brokerVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	seeds := client.SeedBrokers()
	if len(seeds) == 0 {
		return nil, errors.New("no seed broker")
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	kresp, err := seeds[0].Request(reqCtx, kmsg.NewPtrApiVersionsRequest())
	if err != nil {
		return nil, err
	}
	av, ok := kresp.(*kmsg.ApiVersionsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", kresp)
	}
	resp := &protocol.ApiVersionsResponse{ErrorCode: av.ErrorCode, ThrottleTimeMs: av.ThrottleMillis}
	for _, k := range av.ApiKeys {
		resp.APIKeys = append(resp.APIKeys, protocol.ApiVersion{APIKey: k.ApiKey, MinVersion: k.MinVersion, MaxVersion: k.MaxVersion})
	}
	return resp, nil
}

func printApiVersions(w io.Writer, resp *protocol.ApiVersionsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	status := "NONE"
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		status = err.Error()
	}
	fmt.Fprintf(tw, "error_code\t%d\t%s\n", resp.ErrorCode, status)
	fmt.Fprintf(tw, "throttle_ms\t%d\t\n", resp.ThrottleTimeMs)
	fmt.Fprintln(tw, "API\tKEY\tVERSIONS")
	for _, v := range resp.APIKeys {
		fmt.Fprintf(tw, "%s\t%d\t%d-%d\n", protocol.APIName(v.APIKey), v.APIKey, v.MinVersion, v.MaxVersion)
	}
	return tw.Flush()
}
