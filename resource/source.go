package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is a raw reading of host capacity.
type HostSample struct {
	LogicalCores         int      // Logical CPU count
	TotalMemoryKB        uint64   // Total physical memory in kilobytes
	VolumeAvailableBytes []uint64 // Bytes available on each mounted volume
}

// Source reads host capacity.
type Source interface {
	LogicalCores(ctx context.Context) (int, error)
	Sample(ctx context.Context) (HostSample, error)
}

// HostSource reads capacity from the local host through gopsutil.
type HostSource struct{}

// NewHostSource creates a source backed by the local host.
func NewHostSource() *HostSource {
	return &HostSource{}
}

// LogicalCores returns the number of logical CPUs.
func (h *HostSource) LogicalCores(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// Sample reads cores, total memory and free space on every physical volume. Volumes mounted
// more than once are only counted once.
func (h *HostSource) Sample(ctx context.Context) (HostSample, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HostSample{}, fmt.Errorf("read cpu count: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("read memory: %w", err)
	}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return HostSample{}, fmt.Errorf("read partitions: %w", err)
	}

	seen := make(map[string]struct{}, len(partitions))
	available := make([]uint64, 0, len(partitions))

	for _, p := range partitions {
		if _, ok := seen[p.Device]; ok {
			continue
		}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			// unreadable mounts (permissions, stale network mounts) are skipped
			continue
		}

		seen[p.Device] = struct{}{}
		available = append(available, usage.Free)
	}

	return HostSample{
		LogicalCores:         cores,
		TotalMemoryKB:        vm.Total / 1024,
		VolumeAvailableBytes: available,
	}, nil
}
