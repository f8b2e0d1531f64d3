package agentloop

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/shardmesh/scheduler/internal/sandbox"
)

// Usage is one point-in-time local resource reading.
type Usage struct {
	CPUPercent float64
	RAMPercent float64
	GPUPercent float64
	RAMUsedMB  int64
	RAMTotalMB int64
}

// ResourceSampler reads local resource usage for throttle_until_within_limits
// and the periodic metrics upload.
type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// gopsutilSampler samples CPU and RAM through gopsutil. GPU usage has no
// portable OS-level reading without a vendor SDK, so it is always
// reported as zero; a GPU cap is therefore never the limiting factor on
// an unconfigured deployment.
type gopsutilSampler struct{}

// NewResourceSampler builds the default local resource sampler.
func NewResourceSampler() ResourceSampler {
	return gopsutilSampler{}
}

func (gopsutilSampler) Sample(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Usage{}, err
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		CPUPercent: cpuPercent,
		RAMPercent: vm.UsedPercent,
		RAMUsedMB:  int64(vm.Used / (1024 * 1024)),
		RAMTotalMB: int64(vm.Total / (1024 * 1024)),
	}, nil
}

// sandboxSamplerAdapter lets the same resource reader feed both the
// agent's pre-task throttle gate and the sandbox's in-run throttle
// monitor, which is built against its own ResourceUsage/ResourceSampler
// types so the sandbox package has no dependency on agentloop.
type sandboxSamplerAdapter struct {
	inner ResourceSampler
}

// NewSandboxSampler adapts sampler to the sandbox.ResourceSampler shape.
func NewSandboxSampler(sampler ResourceSampler) sandbox.ResourceSampler {
	return sandboxSamplerAdapter{inner: sampler}
}

func (a sandboxSamplerAdapter) Sample(ctx context.Context) (sandbox.ResourceUsage, error) {
	u, err := a.inner.Sample(ctx)
	if err != nil {
		return sandbox.ResourceUsage{}, err
	}
	return sandbox.ResourceUsage{CPUPercent: u.CPUPercent, RAMPercent: u.RAMPercent, GPUPercent: u.GPUPercent}, nil
}
