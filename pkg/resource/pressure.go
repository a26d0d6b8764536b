package resource

import (
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemPressure reports used system memory as a fraction. It returns 0 when
// the probe fails so that disposal falls back to the idle sweep.
func SystemPressure() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent / 100
}

// FixedPressure returns a PressureFunc that always reports p
func FixedPressure(p float64) PressureFunc {
	return func() float64 { return p }
}
