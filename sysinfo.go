package cfenc

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HardwareConcurrency returns the number of logical CPUs, falling back to
// runtime.NumCPU when the system cannot be queried.
func HardwareConcurrency() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// RingMemory returns the bytes the slot ring holds once every slot is in use.
func RingMemory(cfg EncodeConfig) uint64 {
	return uint64(cfg.FrameSize()) * uint64(cfg.Capacity)
}

// CheckRingMemory reports an error when the slot ring would use more than
// half of the currently available memory. It returns nil when memory
// cannot be queried.
func CheckRingMemory(ctx context.Context, cfg EncodeConfig) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm.Available == 0 {
		return nil
	}
	need := RingMemory(cfg)
	if need > vm.Available/2 {
		return fmt.Errorf("frame ring needs %d MiB of %d MiB available",
			need>>20, vm.Available>>20)
	}
	return nil
}
