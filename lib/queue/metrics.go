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

package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Subsystem: "queue",
		Name:      "jobs_scheduled_total",
		Help:      "Jobs scheduled on the durable queue.",
	}, []string{"event"})

	sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Subsystem: "queue",
		Name:      "send_failures_total",
		Help:      "Enqueue attempts that failed.",
	}, []string{"event"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Subsystem: "queue",
		Name:      "send_duration_seconds",
		Help:      "Time spent scheduling a job on the durable queue.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})
)

func observeSend(event string, elapsed time.Duration, err error) {
	sendDuration.WithLabelValues(event).Observe(elapsed.Seconds())
	if err != nil {
		sendFailures.WithLabelValues(event).Inc()
		return
	}
	sendScheduled.WithLabelValues(event).Inc()
}
