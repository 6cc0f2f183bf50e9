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

package argus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

const minimalConfig = `
argus:
  k8sLayer:
    namespace: monitoring
  leaderElection:
    leaseName: argus-leader
    namespace: monitoring
`

func TestParseMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	require.Equal(t, 30, cfg.K8sLayer.PollingIntervalSeconds)
	require.Equal(t, "Watchdog", cfg.Watchdog.AlertName)
	require.Equal(t, 300, cfg.Watchdog.TimeoutSeconds)
	require.Equal(t, 30, cfg.Noc.HttpClient.TimeoutSeconds)
	require.Equal(t, 3, cfg.Noc.CircuitBreaker.FailureThreshold)
	require.Equal(t, 30, cfg.Heartbeat.IntervalSeconds)
	require.Equal(t, 30, cfg.Coordinator.SnapshotIntervalSeconds)
	require.Equal(t, 1.0, cfg.Coordinator.StartupGracePeriodMultiplier)
	require.Equal(t, 30, cfg.LeaderElection.LeaseDurationSeconds)
	require.Equal(t, 10, cfg.LeaderElection.RenewIntervalSeconds)
	require.Equal(t, 60, cfg.StatusFileSystem.PollingIntervalSeconds)

	ttl, err := cfg.AlertTTL()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, ttl)
	require.Equal(t, int64(30), cfg.GracePeriodTicks())
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
argus:
  k8sLayer:
    pollingIntervalSeconds: 15
    namespace: monitoring
    prometheusSelector: app=prom
    ksmSelector: app=ksm
    restartTracking:
      windowSize: 10
      restartThreshold: 5
  watchdog:
    alertName: PrometheusWatchdog
    timeoutSeconds: 120
    createNocBehavior:
      severity: critical
      visible: true
  defaultNoc:
    createNocBehavior:
      severity: warning
      visible: true
    cancelNocBehavior:
      severity: clear
    createSuppressWindow: 2m
    cancelSuppressWindow: 30s
  alertsVector:
    alertTtl: 5m
  noc:
    enabled: true
    httpClient:
      sendEndpoint: https://noc.example.com/send
      verifyEndpoint: https://noc.example.com/verify
      timeoutSeconds: 10
      bypassSslValidation: true
      connectIpAddress: 10.0.0.5
      connectPort: 8443
      username: argus
      password: secret
      teamName: sre
      systemName: argus
      hostName: cluster-1
    circuitBreaker:
      failureThreshold: 5
  heartbeat:
    intervalSeconds: 60
    file:
      enabled: true
      destinationPath: /status/heartbeat.json
    http:
      enabled: true
  coordinator:
    snapshotIntervalSeconds: 20
    startupGracePeriodMultiplier: 2.5
  leaderElection:
    leaseName: argus-leader
    namespace: monitoring
    leaseDurationSeconds: 45
    renewIntervalSeconds: 15
  statusFileSystem:
    pollingIntervalSeconds: 30
    directory: /status
`))
	require.NoError(t, err)

	require.Equal(t, "PrometheusWatchdog", cfg.Watchdog.AlertName)
	require.Equal(t, "critical", cfg.Watchdog.CreateNocBehavior.Severity)
	require.True(t, cfg.Noc.Enabled)
	require.Equal(t, 5, cfg.Noc.CircuitBreaker.FailureThreshold)
	require.Equal(t, 8443, cfg.Noc.HttpClient.ConnectPort)
	require.Equal(t, int64(50), cfg.GracePeriodTicks())

	ttl, err := cfg.AlertTTL()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, ttl)

	windows, err := cfg.WindowDefaults()
	require.NoError(t, err)
	require.Equal(t, alerts.WindowDefaults{Create: 2 * time.Minute, Cancel: 30 * time.Second}, windows)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
argus:
  k8sLayer:
    namespace: monitoring
    bogus: true
  leaderElection:
    leaseName: argus-leader
    namespace: monitoring
`))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing lease name", func(c *Config) { c.LeaderElection.LeaseName = "" }},
		{"missing lease namespace", func(c *Config) { c.LeaderElection.Namespace = "" }},
		{"renew not below lease duration", func(c *Config) {
			c.LeaderElection.RenewIntervalSeconds = 30
			c.LeaderElection.LeaseDurationSeconds = 30
		}},
		{"missing k8s namespace", func(c *Config) { c.K8sLayer.Namespace = "" }},
		{"restart window without threshold", func(c *Config) { c.K8sLayer.RestartTracking.WindowSize = 5 }},
		{"noc enabled without endpoints", func(c *Config) { c.Noc.Enabled = true }},
		{"file heartbeat without path", func(c *Config) { c.Heartbeat.File.Enabled = true }},
		{"bad alert ttl", func(c *Config) { c.AlertsVector.AlertTtl = "soon" }},
		{"bad suppress window", func(c *Config) { c.DefaultNoc.CreateSuppressWindow = "2 fortnights" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestGracePeriodMultiplierFloor(t *testing.T) {
	cfg, err := Parse([]byte(`
argus:
  k8sLayer:
    namespace: monitoring
  coordinator:
    snapshotIntervalSeconds: 10
    startupGracePeriodMultiplier: 0.2
  leaderElection:
    leaseName: argus-leader
    namespace: monitoring
`))
	require.NoError(t, err)
	require.Equal(t, 1.0, cfg.Coordinator.StartupGracePeriodMultiplier)
	require.Equal(t, int64(10), cfg.GracePeriodTicks())
}
