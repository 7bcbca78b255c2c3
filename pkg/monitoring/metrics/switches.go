/*
Copyright 2025 Flant JSC

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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

// Switches counts finished mode switches and block toggles.
type Switches struct {
	total    *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewSwitches() *Switches {
	return &Switches{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricNamespace,
			Name:      "switches_total",
			Help:      "Finished mode switches grouped by requested mode and terminal phase.",
		}, []string{"requested", "phase"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricNamespace,
			Name:      "switch_failures_total",
			Help:      "Failed mode switches grouped by error kind and failing phase.",
		}, []string{"kind", "failed_in"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricNamespace,
			Name:      "switch_duration_seconds",
			Help:      "Wall-clock duration of mode switches.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Register registers the metrics in the registry.
func (s *Switches) Register(reg prometheus.Registerer) {
	reg.MustRegister(s.total, s.failures, s.duration)
}

// RecordSwitch accounts one terminal outcome.
func (s *Switches) RecordSwitch(out domain.Outcome) {
	requested := string(out.Requested)
	if requested == "" {
		requested = "toggle"
	}
	s.total.WithLabelValues(requested, string(out.Phase)).Inc()
	if out.Phase == domain.PhaseFailed {
		s.failures.WithLabelValues(string(domain.Kind(out.Err)), string(out.FailedIn)).Inc()
	}
	if !out.Started.IsZero() && out.Finished.After(out.Started) {
		s.duration.Observe(out.Finished.Sub(out.Started).Seconds())
	}
}
