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

// Package argus owns the hierarchical YAML configuration: parsing, defaults
// and fail-fast validation.
package argus

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// File is the top-level configuration document with its single root section.
type File struct {
	Argus Config `yaml:"argus"`
}

// Config is the root configuration section.
type Config struct {
	K8sLayer         K8sLayerConfig       `yaml:"k8sLayer"`
	Watchdog         WatchdogConfig       `yaml:"watchdog"`
	DefaultNoc       DefaultNocConfig     `yaml:"defaultNoc"`
	AlertsVector     AlertsVectorConfig   `yaml:"alertsVector"`
	Noc              NocConfig            `yaml:"noc"`
	Heartbeat        HeartbeatConfig      `yaml:"heartbeat"`
	Coordinator      CoordinatorConfig    `yaml:"coordinator"`
	LeaderElection   LeaderElectionConfig `yaml:"leaderElection"`
	StatusFileSystem StatusFSConfig       `yaml:"statusFileSystem"`
}

// RestartTrackingConfig bounds container restarts within a polling window.
type RestartTrackingConfig struct {
	WindowSize       int `yaml:"windowSize"`
	RestartThreshold int `yaml:"restartThreshold"`
}

// K8sLayerConfig configures the Kubernetes layer probe.
type K8sLayerConfig struct {
	PollingIntervalSeconds int                   `yaml:"pollingIntervalSeconds"`
	Namespace              string                `yaml:"namespace"`
	PrometheusSelector     string                `yaml:"prometheusSelector"`
	KsmSelector            string                `yaml:"ksmSelector"`
	RestartTracking        RestartTrackingConfig `yaml:"restartTracking"`
}

// WatchdogConfig configures the Prometheus watchdog expiration.
type WatchdogConfig struct {
	AlertName         string             `yaml:"alertName"`
	TimeoutSeconds    int                `yaml:"timeoutSeconds"`
	CreateNocBehavior alerts.NocBehavior `yaml:"createNocBehavior"`
	CancelNocBehavior alerts.NocBehavior `yaml:"cancelNocBehavior"`
}

// DefaultNocConfig carries the payload templates and default suppression
// windows applied to alerts that bring none of their own.
type DefaultNocConfig struct {
	CreateNocBehavior    alerts.NocBehavior `yaml:"createNocBehavior"`
	CancelNocBehavior    alerts.NocBehavior `yaml:"cancelNocBehavior"`
	CreateSuppressWindow string             `yaml:"createSuppressWindow"`
	CancelSuppressWindow string             `yaml:"cancelSuppressWindow"`
}

// AlertsVectorConfig configures alert expiry.
type AlertsVectorConfig struct {
	// AlertTtl is a duration string; alerts unseen for longer are dropped.
	AlertTtl string `yaml:"alertTtl"`
}

// HTTPClientConfig configures the NOC HTTP client.
type HTTPClientConfig struct {
	SendEndpoint        string `yaml:"sendEndpoint"`
	VerifyEndpoint      string `yaml:"verifyEndpoint"`
	TimeoutSeconds      int    `yaml:"timeoutSeconds"`
	BypassSslValidation bool   `yaml:"bypassSslValidation"`
	ConnectIpAddress    string `yaml:"connectIpAddress"`
	ConnectPort         int    `yaml:"connectPort"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	TeamName            string `yaml:"teamName"`
	SystemName          string `yaml:"systemName"`
	HostName            string `yaml:"hostName"`
}

// CircuitBreakerConfig configures the shared NOC circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
}

// NocConfig groups the downstream NOC settings.
type NocConfig struct {
	// Enabled is the master kill switch for all NOC HTTP traffic.
	Enabled        bool                 `yaml:"enabled"`
	HttpClient     HTTPClientConfig     `yaml:"httpClient"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// HeartbeatFileConfig configures the leader-only heartbeat file.
type HeartbeatFileConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DestinationPath string `yaml:"destinationPath"`
}

// HeartbeatHTTPConfig configures the NOC heartbeat exchange.
type HeartbeatHTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
	Source  string `yaml:"source"`
}

// HeartbeatConfig groups the heartbeat service settings.
type HeartbeatConfig struct {
	IntervalSeconds int                 `yaml:"intervalSeconds"`
	File            HeartbeatFileConfig `yaml:"file"`
	Http            HeartbeatHTTPConfig `yaml:"http"`
}

// CoordinatorConfig configures the snapshot cadence and the startup grace
// period.
type CoordinatorConfig struct {
	SnapshotIntervalSeconds int `yaml:"snapshotIntervalSeconds"`
	// StartupGracePeriodMultiplier scales the snapshot interval into the
	// grace period; values below 1.0 are raised to 1.0.
	StartupGracePeriodMultiplier float64 `yaml:"startupGracePeriodMultiplier"`
}

// LeaderElectionConfig configures the Kubernetes lease.
type LeaderElectionConfig struct {
	LeaseName            string `yaml:"leaseName"`
	Namespace            string `yaml:"namespace"`
	LeaseDurationSeconds int    `yaml:"leaseDurationSeconds"`
	RenewIntervalSeconds int    `yaml:"renewIntervalSeconds"`
	RetryIntervalSeconds int    `yaml:"retryIntervalSeconds"`
}

// StatusFSConfig configures the status filesystem probe.
type StatusFSConfig struct {
	PollingIntervalSeconds int    `yaml:"pollingIntervalSeconds"`
	Directory              string `yaml:"directory"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and applies defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg := f.Argus
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.K8sLayer.PollingIntervalSeconds <= 0 {
		c.K8sLayer.PollingIntervalSeconds = 30
	}
	if c.Watchdog.AlertName == "" {
		c.Watchdog.AlertName = "Watchdog"
	}
	if c.Watchdog.TimeoutSeconds <= 0 {
		c.Watchdog.TimeoutSeconds = 300
	}
	if c.Noc.HttpClient.TimeoutSeconds <= 0 {
		c.Noc.HttpClient.TimeoutSeconds = 30
	}
	if c.Noc.CircuitBreaker.FailureThreshold <= 0 {
		c.Noc.CircuitBreaker.FailureThreshold = 3
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = 30
	}
	if c.Coordinator.SnapshotIntervalSeconds <= 0 {
		c.Coordinator.SnapshotIntervalSeconds = 30
	}
	if c.Coordinator.StartupGracePeriodMultiplier < 1.0 {
		c.Coordinator.StartupGracePeriodMultiplier = 1.0
	}
	if c.LeaderElection.LeaseDurationSeconds <= 0 {
		c.LeaderElection.LeaseDurationSeconds = 30
	}
	if c.LeaderElection.RenewIntervalSeconds <= 0 {
		c.LeaderElection.RenewIntervalSeconds = 10
	}
	if c.LeaderElection.RetryIntervalSeconds <= 0 {
		c.LeaderElection.RetryIntervalSeconds = c.LeaderElection.RenewIntervalSeconds
	}
	if c.StatusFileSystem.PollingIntervalSeconds <= 0 {
		c.StatusFileSystem.PollingIntervalSeconds = 60
	}
	if c.AlertsVector.AlertTtl == "" {
		c.AlertsVector.AlertTtl = "15m"
	}
}

// Validate fails fast on inconsistent configuration.
func (c *Config) Validate() error {
	if c.LeaderElection.LeaseName == "" {
		return fmt.Errorf("leaderElection.leaseName must not be empty")
	}
	if c.LeaderElection.Namespace == "" {
		return fmt.Errorf("leaderElection.namespace must not be empty")
	}
	if c.LeaderElection.RenewIntervalSeconds >= c.LeaderElection.LeaseDurationSeconds {
		return fmt.Errorf("leaderElection.renewIntervalSeconds (%d) must be below leaseDurationSeconds (%d)",
			c.LeaderElection.RenewIntervalSeconds, c.LeaderElection.LeaseDurationSeconds)
	}
	if c.K8sLayer.Namespace == "" {
		return fmt.Errorf("k8sLayer.namespace must not be empty")
	}
	if rt := c.K8sLayer.RestartTracking; rt.WindowSize > 0 && rt.RestartThreshold < 1 {
		return fmt.Errorf("k8sLayer.restartTracking.restartThreshold must be >= 1 when windowSize is set, got %d",
			rt.RestartThreshold)
	}
	if c.Noc.Enabled {
		if c.Noc.HttpClient.SendEndpoint == "" || c.Noc.HttpClient.VerifyEndpoint == "" {
			return fmt.Errorf("noc.httpClient send and verify endpoints must be set when noc.enabled is true")
		}
	}
	if c.Heartbeat.File.Enabled && c.Heartbeat.File.DestinationPath == "" {
		return fmt.Errorf("heartbeat.file.destinationPath must be set when the file heartbeat is enabled")
	}
	if c.StatusFileSystem.Directory == "" && c.Heartbeat.File.Enabled {
		return fmt.Errorf("statusFileSystem.directory must be set when the file heartbeat is enabled")
	}
	if _, err := c.AlertTTL(); err != nil {
		return err
	}
	if _, err := c.WindowDefaults(); err != nil {
		return err
	}
	return nil
}

// AlertTTL parses the configured alert TTL.
func (c *Config) AlertTTL() (time.Duration, error) {
	d, ok := alerts.ParseWindow(c.AlertsVector.AlertTtl)
	if !ok {
		return 0, fmt.Errorf("alertsVector.alertTtl: invalid duration %q", c.AlertsVector.AlertTtl)
	}
	return d, nil
}

// WindowDefaults parses the default per-status suppression windows.
func (c *Config) WindowDefaults() (alerts.WindowDefaults, error) {
	create, ok := alerts.ParseWindow(c.DefaultNoc.CreateSuppressWindow)
	if !ok {
		return alerts.WindowDefaults{}, fmt.Errorf("defaultNoc.createSuppressWindow: invalid duration %q", c.DefaultNoc.CreateSuppressWindow)
	}
	cancel, ok := alerts.ParseWindow(c.DefaultNoc.CancelSuppressWindow)
	if !ok {
		return alerts.WindowDefaults{}, fmt.Errorf("defaultNoc.cancelSuppressWindow: invalid duration %q", c.DefaultNoc.CancelSuppressWindow)
	}
	return alerts.WindowDefaults{Create: create, Cancel: cancel}, nil
}

// GracePeriodTicks derives the startup grace period from the snapshot
// interval and its multiplier.
func (c *Config) GracePeriodTicks() int64 {
	return int64(float64(c.Coordinator.SnapshotIntervalSeconds) * c.Coordinator.StartupGracePeriodMultiplier)
}
