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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/monitoring/metrics"
)

const (
	MetricMode       = "mode"
	MetricGPUInfo    = "gpu_info"
	MetricGPUBlocked = "gpu_blocked"
)

var gpuLabels = []string{"id", "pci"}

var gpuMetrics = map[string]metrics.MetricInfo{
	MetricMode: metrics.NewMetricInfo(MetricMode,
		"Current mode of the host, 1 for the active one.",
		prometheus.GaugeValue, []string{"mode"}, nil),
	MetricGPUInfo: metrics.NewMetricInfo(MetricGPUInfo,
		"GPU functions found by the inventory.",
		prometheus.GaugeValue, append(gpuLabels, "name", "driver", "default"), nil),
	MetricGPUBlocked: metrics.NewMetricInfo(MetricGPUBlocked,
		"Whether an enforcement entry blocks the GPU.",
		prometheus.GaugeValue, gpuLabels, nil),
}

var reportedModes = []domain.Mode{
	domain.ModeIntegrated,
	domain.ModeHybrid,
	domain.ModeTransitioning,
	domain.ModeUnknown,
}

type dataMetric struct {
	ID      string
	PCI     string
	Name    string
	Driver  string
	Default bool
	Blocked bool
}

func newDataMetric(dev domain.GpuDevice) dataMetric {
	return dataMetric{
		ID:      strconv.FormatUint(uint64(dev.ID), 10),
		PCI:     dev.Address,
		Name:    dev.Name,
		Driver:  dev.Driver,
		Default: dev.IsDefaultBootGPU,
		Blocked: dev.IsBlocked,
	}
}

func (m dataMetric) labelValues() []string {
	return []string{m.ID, m.PCI}
}

func (m dataMetric) infoLabelValues() []string {
	return append(m.labelValues(), m.Name, m.Driver, strconv.FormatBool(m.Default))
}
