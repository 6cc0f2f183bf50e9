// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package noc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
)

// ErrComparisonMismatch marks a verify response that was received but did not
// match the sent payload.
var ErrComparisonMismatch = errors.New("verify response does not match sent payload")

// ClientConfig configures the NOC HTTP client.
type ClientConfig struct {
	SendEndpoint   string
	VerifyEndpoint string
	// Timeout bounds every request. Defaults to 30 seconds.
	Timeout time.Duration
	// BypassSSLValidation disables certificate verification.
	BypassSSLValidation bool
	// ConnectIPAddress and ConnectPort, when set, bypass DNS resolution and
	// dial the given address directly regardless of the endpoint host.
	ConnectIPAddress string
	ConnectPort      int
	// Username and Password enable HTTP basic auth when non-empty.
	Username string
	Password string
	// TeamName, SystemName and HostName fill the custom1, custom2 and
	// hostName payload fields when the alert template leaves them empty.
	TeamName   string
	SystemName string
	HostName   string
}

// Client talks the NOC wire protocol: JSON POSTs against the send and verify
// endpoints.
type Client struct {
	logger log.Logger
	cfg    ClientConfig
	http   *http.Client
}

// NewClient builds a client from the configuration. The transport is a
// pooled cleanhttp transport with the configured TLS and dial overrides.
func NewClient(logger log.Logger, cfg ClientConfig) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := cleanhttp.DefaultPooledTransport()
	if cfg.BypassSSLValidation {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.ConnectIPAddress != "" {
		override := net.JoinHostPort(cfg.ConnectIPAddress, strconv.Itoa(cfg.ConnectPort))
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, override)
		}
	}
	return &Client{
		logger: logger,
		cfg:    cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// FillDefaults populates empty custom1/custom2/hostName fields from the
// client configuration.
func (c *Client) FillDefaults(p Payload) Payload {
	if p.Custom1 == "" {
		p.Custom1 = c.cfg.TeamName
	}
	if p.Custom2 == "" {
		p.Custom2 = c.cfg.SystemName
	}
	if p.HostName == "" {
		p.HostName = c.cfg.HostName
	}
	return p
}

func (c *Client) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return c.http.Do(req)
}

// Send posts the payload to the send endpoint. Only HTTP 200 and 204 count
// as sent.
func (c *Client) Send(ctx context.Context, p Payload) error {
	resp, err := c.post(ctx, c.cfg.SendEndpoint, p)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("send returned status %d", resp.StatusCode)
	}
	return nil
}

// Verify posts a filter built from the sent payload to the verify endpoint
// and checks that the returned payload matches it on suppression key, level
// and source.
func (c *Client) Verify(ctx context.Context, sent Payload) error {
	filter := VerifyFilter{Payload: sent}

	resp, err := c.post(ctx, c.cfg.VerifyEndpoint, filter)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify returned status %d", resp.StatusCode)
	}
	var got Payload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return fmt.Errorf("decode verify response: %w", err)
	}
	if !sent.Matches(got) {
		level.Warn(c.logger).Log("msg", "verify comparison failed",
			"suppression_key", sent.SuppressionKey,
			"got_suppression_key", got.SuppressionKey,
			"level", sent.Level, "got_level", got.Level,
			"source", sent.Source, "got_source", got.Source)
		return fmt.Errorf("%w: key %q level %d source %q", ErrComparisonMismatch,
			got.SuppressionKey, got.Level, got.Source)
	}
	return nil
}
