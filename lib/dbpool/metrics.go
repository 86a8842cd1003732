/*
Copyright 2025 Supabase, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dbpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolTotalConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storage",
		Subsystem: "db_pool",
		Name:      "total_connections",
		Help:      "Connections currently held by the tenant pool.",
	}, []string{"tenant"})

	poolAcquiredConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storage",
		Subsystem: "db_pool",
		Name:      "acquired_connections",
		Help:      "Connections currently checked out of the tenant pool.",
	}, []string{"tenant"})

	poolIdleConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storage",
		Subsystem: "db_pool",
		Name:      "idle_connections",
		Help:      "Idle connections in the tenant pool.",
	}, []string{"tenant"})
)

// publishMetrics exports the pool's current counters as gauges.
func (p *Pool) publishMetrics(tenantID string) {
	pool := p.pgxPool()
	if pool == nil {
		return
	}
	stat := pool.Stat()
	poolTotalConns.WithLabelValues(tenantID).Set(float64(stat.TotalConns()))
	poolAcquiredConns.WithLabelValues(tenantID).Set(float64(stat.AcquiredConns()))
	poolIdleConns.WithLabelValues(tenantID).Set(float64(stat.IdleConns()))
}

// unregisterPoolMetrics drops the tenant's gauge series once its pool is
// destroyed so stale values do not linger in scrapes.
func unregisterPoolMetrics(tenantID string) {
	poolTotalConns.DeleteLabelValues(tenantID)
	poolAcquiredConns.DeleteLabelValues(tenantID)
	poolIdleConns.DeleteLabelValues(tenantID)
}
