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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthTripsAtThreshold(t *testing.T) {
	h := NewHealth(nil, nil, 3)

	require.True(t, h.IsHealthy())
	h.RecordFailure()
	h.RecordFailure()
	require.True(t, h.IsHealthy())
	h.RecordFailure()
	require.False(t, h.IsHealthy())
	require.Equal(t, int64(3), h.ConsecutiveFailures())
}

func TestHealthSingleSuccessResets(t *testing.T) {
	h := NewHealth(nil, nil, 3)
	for i := 0; i < 10; i++ {
		h.RecordFailure()
	}
	require.False(t, h.IsHealthy())

	h.RecordSuccess()
	require.True(t, h.IsHealthy())
	require.Zero(t, h.ConsecutiveFailures())
}

func TestHealthDefaultThreshold(t *testing.T) {
	h := NewHealth(nil, nil, 0)
	require.Equal(t, int64(DefaultFailureThreshold), h.FailureThreshold())
}
