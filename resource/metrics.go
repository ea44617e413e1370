package resource

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paraloom/go-p2p/types"
)

// Metrics holds the Prometheus metrics published by the sampler.
type Metrics struct {
	CPUCores       prometheus.Gauge
	MemoryMB       prometheus.Gauge
	StorageMB      prometheus.Gauge
	BandwidthKbps  prometheus.Gauge
	SampleFailures prometheus.Counter
}

// NewMetrics creates the sampler metrics and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CPUCores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_contribution_cpu_cores",
			Help: "Logical CPU cores offered to the network",
		}),
		MemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_contribution_memory_mb",
			Help: "Memory ceiling offered to the network in megabytes",
		}),
		StorageMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_contribution_storage_mb",
			Help: "Storage offered to the network in megabytes",
		}),
		BandwidthKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_contribution_bandwidth_kbps",
			Help: "Bandwidth offered to the network in kbps",
		}),
		SampleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_resource_sample_failures_total",
			Help: "Host metric samples that failed and were skipped",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.CPUCores, m.MemoryMB, m.StorageMB, m.BandwidthKbps, m.SampleFailures)
	}

	return m
}

func (m *Metrics) observe(c types.ResourceContribution) {
	m.CPUCores.Set(float64(c.CPUCores))
	m.MemoryMB.Set(float64(c.MemoryMB))
	m.StorageMB.Set(float64(c.StorageMB))
	m.BandwidthKbps.Set(float64(c.BandwidthKbps))
}
