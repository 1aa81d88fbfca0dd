// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.EventReceived(true)
	m.SubmissionRejected(ReasonQueueFull)
	m.BatchCommitted(100, 20*time.Millisecond)
	m.RelationshipsCreated("parser", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues(ReasonQueueFull)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.relationshipsCreated.WithLabelValues("parser")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lineage_cache_hits_total"])
	assert.True(t, names["lineage_batch_size"])
}

func TestNew_FreshRegistryPerInstance(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.FileProcessed(time.Second)
		m.SetQueueDepth(3)
		m.RunFinished("completed", time.Second)
	})
}
