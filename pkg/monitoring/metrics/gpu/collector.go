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

package gpu

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deckhouse/deckhouse/pkg/log"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/logger"
)

const (
	collectorName  = "gpu-collector"
	collectTimeout = 10 * time.Second
)

// Source reports the live device and mode state.
type Source interface {
	List(ctx context.Context) ([]domain.GpuDevice, error)
	Get(ctx context.Context) (domain.Mode, error)
}

// SetupCollector registers the GPU metrics collector.
func SetupCollector(source Source, registerer prometheus.Registerer, log *log.Logger) {
	c := NewCollector(source, log)
	c.Register(registerer)
}

// Collector exposes mode and per-GPU metrics.
type Collector struct {
	source Source
	log    *log.Logger
}

// NewCollector constructs a GPU metrics collector.
func NewCollector(source Source, log *log.Logger) *Collector {
	return &Collector{
		source: source,
		log:    log.With(logger.SlogCollector(collectorName)),
	}
}

// Register registers the collector in the registry.
func (c *Collector) Register(reg prometheus.Registerer) {
	reg.MustRegister(c)
}

// Describe describes all metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range gpuMetrics {
		ch <- m.Desc
	}
}

// Collect collects all metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := newScraper(ch, c.log)
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	current, err := c.source.Get(ctx)
	if err != nil {
		c.log.Error("Failed to get mode", logger.SlogErr(err))
		current = domain.ModeUnknown
	}
	s.ReportMode(current)

	devices, err := c.source.List(ctx)
	if err != nil {
		c.log.Error("Failed to list GPUs", logger.SlogErr(err))
		return
	}
	for i := range devices {
		s.ReportGPU(newDataMetric(devices[i]))
	}
}
