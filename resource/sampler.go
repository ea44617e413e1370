// Package resource samples host capacity and computes the capped contribution a node offers to
// the network.
package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/paraloom/go-p2p/types"
)

const (
	// DefaultSampleInterval is the time between two host samples.
	DefaultSampleInterval = 5 * time.Second

	// PlaceholderBandwidthKbps is reported until bandwidth is actually measured.
	PlaceholderBandwidthKbps = 10000

	bytesPerMB = 1024 * 1024
)

// ErrAlreadyStarted is returned when Start is called on a running sampler.
var ErrAlreadyStarted = errors.New("sampler already started")

// Sampler periodically measures host capacity and exposes the latest capped contribution.
//
// The snapshot is only written by the sampling goroutine and is published with a single
// atomic pointer swap, so readers never observe a partially updated contribution and never
// wait for a fresh sample.
type Sampler struct {
	maxCPUUsage     uint8
	maxMemoryUsage  uint8
	maxStorageUsage uint64

	source   Source
	interval time.Duration
	logger   types.Logger
	metrics  *Metrics

	contribution atomic.Pointer[types.ResourceContribution]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSource replaces the host metrics source.
func WithSource(source Source) Option {
	return func(s *Sampler) { s.source = source }
}

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Sampler) { s.logger = logger }
}

// WithRegisterer registers the sampler metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Sampler) { s.metrics = NewMetrics(reg) }
}

// New creates a sampler with the given ceilings. The percentages are expected in [0,100] and
// the storage ceiling is in megabytes; out of range values are used as given.
//
// The initial contribution carries the detected logical core count and zero for every other
// field until the first sample completes.
func New(maxCPUUsage, maxMemoryUsage uint8, maxStorageUsage uint64, opts ...Option) *Sampler {
	s := &Sampler{
		maxCPUUsage:     maxCPUUsage,
		maxMemoryUsage:  maxMemoryUsage,
		maxStorageUsage: maxStorageUsage,
		source:          NewHostSource(),
		interval:        DefaultSampleInterval,
		logger:          logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	cores, err := s.source.LogicalCores(context.Background())
	if err != nil {
		s.logger.Warnf("[Sampler] error detecting cpu cores: %v", err)
	}

	initial := types.ResourceContribution{CPUCores: clampCores(cores)}
	s.contribution.Store(&initial)

	return s
}

// Start launches the sampling loop and returns without waiting for the first sample.
// The loop stops when ctx is canceled or Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)

	go s.run(loopCtx)

	s.logger.Infof("[Sampler] started, interval %s", s.interval)

	return nil
}

// Stop cancels the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}

// GetContribution returns a copy of the latest contribution.
func (s *Sampler) GetContribution() types.ResourceContribution {
	return *s.contribution.Load()
}

// MaxCPUUsage returns the configured CPU ceiling percentage. The ceiling is carried for
// advertisement only; core count is not percentage-bounded.
func (s *Sampler) MaxCPUUsage() uint8 {
	return s.maxCPUUsage
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[Sampler] shutting down")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick takes one sample. A failed sample keeps the previous snapshot.
func (s *Sampler) tick(ctx context.Context) {
	sample, err := s.source.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warnf("[Sampler] error sampling host, keeping previous snapshot: %v", err)
			s.metrics.SampleFailures.Inc()
		}

		return
	}

	next := Compute(sample, s.maxMemoryUsage, s.maxStorageUsage)
	s.contribution.Store(&next)
	s.metrics.observe(next)

	s.logger.Infof("[Sampler] system resources: CPU cores: %d, RAM: %d MB, disk: %d MB, bandwidth: %d kbps",
		next.CPUCores, next.MemoryMB, next.StorageMB, next.BandwidthKbps)
}

// Compute derives a contribution from a host sample. The memory ceiling applies to total
// capacity, so the figure is an offer rather than live availability.
func Compute(sample HostSample, maxMemoryUsage uint8, maxStorageUsage uint64) types.ResourceContribution {
	memoryLimitKB := uint64(float64(sample.TotalMemoryKB) * (float64(maxMemoryUsage) / 100.0))

	var availableMB uint64
	for _, b := range sample.VolumeAvailableBytes {
		availableMB += b / bytesPerMB
	}

	return types.ResourceContribution{
		CPUCores:      clampCores(sample.LogicalCores),
		MemoryMB:      memoryLimitKB / 1024,
		StorageMB:     min(availableMB, maxStorageUsage),
		BandwidthKbps: PlaceholderBandwidthKbps,
	}
}

func clampCores(n int) uint32 {
	if n < 0 {
		return 0
	}

	return uint32(n)
}
