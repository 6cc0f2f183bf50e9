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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

func TestStatusFSMissingDirectoryRaisesThenRecovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "status")
	ticks := &fakeTicks{}
	vector := newVector(ticks)
	s, err := NewStatusFS(nil, ticks, vector, StatusFSOptions{Directory: dir})
	require.NoError(t, err)

	s.Poll(context.Background(), 1, "c1")
	a, ok := vector.Get(FingerprintStatusFS)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCreate, a.Status)
	require.Equal(t, PriorityStatusFS, a.Priority)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	s.Poll(context.Background(), 2, "c2")
	a, ok = vector.Get(FingerprintStatusFS)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCancel, a.Status)
}

func TestStatusFSHealthyDirectoryLeavesProbeNoTrace(t *testing.T) {
	dir := t.TempDir()
	ticks := &fakeTicks{}
	vector := newVector(ticks)
	s, err := NewStatusFS(nil, ticks, vector, StatusFSOptions{Directory: dir})
	require.NoError(t, err)

	s.Poll(context.Background(), 1, "c1")
	require.Zero(t, vector.Count())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStatusFSPathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	ticks := &fakeTicks{}
	vector := newVector(ticks)
	s, err := NewStatusFS(nil, ticks, vector, StatusFSOptions{Directory: file})
	require.NoError(t, err)

	s.Poll(context.Background(), 1, "c1")
	a, ok := vector.Get(FingerprintStatusFS)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCreate, a.Status)
}

func TestNewStatusFSValidation(t *testing.T) {
	_, err := NewStatusFS(nil, &fakeTicks{}, nil, StatusFSOptions{})
	require.Error(t, err)
}
