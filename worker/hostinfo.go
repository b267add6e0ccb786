package worker

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
)

// snapshotHostInfo samples current CPU/memory usage into a
// chimera.HostInfo, grounded on the teacher's getMemoryStats/gopsutil
// mem.VirtualMemory usage, extended with cpu.Percent. Nothing calls it:
// the registration payload sent by DialManager carries no host info, so
// WorkerRecord.HostInfo on the manager's /network view stays empty.
func snapshotHostInfo() (chimera.HostInfo, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return chimera.HostInfo{}, errors.Wrap(err, "sampling memory stats")
	}

	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return chimera.HostInfo{}, errors.Wrap(err, "sampling cpu stats")
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	return chimera.HostInfo{
		CPUPercent: cpuPercent,
		MemPercent: vm.UsedPercent,
		MemUsedMB:  vm.Used / (1024 * 1024),
		NumCPU:     runtime.NumCPU(),
	}, nil
}
