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

package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// FingerprintStatusFS is the vector key of the filesystem probe alert.
const FingerprintStatusFS = "status-filesystem"

// PriorityStatusFS ranks below the Kubernetes layer and watchdog checks.
const PriorityStatusFS = -6

// StatusFSOptions configures the status filesystem probe.
type StatusFSOptions struct {
	// Directory is the heartbeat destination directory to probe.
	Directory string

	CreateBehavior alerts.NocBehavior
	CancelBehavior alerts.NocBehavior
}

// StatusFS verifies that the heartbeat destination directory exists and is
// writable by round-tripping a uniquely named probe file.
type StatusFS struct {
	logger log.Logger
	ticks  alerts.TickSource
	vector *alerts.Vector
	opts   StatusFSOptions
}

// NewStatusFS returns the filesystem probe.
func NewStatusFS(logger log.Logger, ticks alerts.TickSource, vector *alerts.Vector, opts StatusFSOptions) (*StatusFS, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Directory == "" {
		return nil, fmt.Errorf("probe directory must not be empty")
	}
	return &StatusFS{logger: logger, ticks: ticks, vector: vector, opts: opts}, nil
}

// Poll probes the directory and upserts the probe alert. Registered as a
// non-grace-aware central timer callback.
func (s *StatusFS) Poll(_ context.Context, _ int64, correlationID string) {
	err := s.probe()

	status := alerts.StatusCancel
	behavior := s.opts.CancelBehavior
	summary := fmt.Sprintf("status directory %q is writable", s.opts.Directory)
	if err != nil {
		status = alerts.StatusCreate
		behavior = s.opts.CreateBehavior
		summary = err.Error()
		level.Warn(s.logger).Log("msg", "status filesystem probe failed", "err", err, "correlation_id", correlationID)
	}

	uerr := s.vector.UpdateAlert(alerts.Alert{
		Fingerprint: FingerprintStatusFS,
		Priority:    PriorityStatusFS,
		Name:        "status filesystem",
		Source:      "status-filesystem",
		Status:      status,
		Summary:     summary,
		Payload:     behavior,
		SendToNoc:   true,
		Timestamp:   s.ticks.HeartbeatTimestamp(),
		ExecutionID: newExecutionID(),
	})
	if uerr != nil {
		level.Warn(s.logger).Log("msg", "updating filesystem alert failed", "err", uerr)
	}
}

func (s *StatusFS) probe() error {
	info, err := os.Stat(s.opts.Directory)
	if err != nil {
		return fmt.Errorf("status directory %q not accessible: %w", s.opts.Directory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("status path %q is not a directory", s.opts.Directory)
	}

	probe := filepath.Join(s.opts.Directory, ".argus-probe-"+newExecutionID())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("status directory %q not writable: %w", s.opts.Directory, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("removing probe file %q failed: %w", probe, err)
	}
	return nil
}
