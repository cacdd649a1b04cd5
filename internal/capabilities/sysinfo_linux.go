//go:build linux

package capabilities

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Load averages from sysinfo(2) are fixed point with 16 fractional bits.
const loadScale = 1 << 16

func readSysinfo() (sysinfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return sysinfo{}, fmt.Errorf("sysinfo: %w", err)
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return sysinfo{
		Loads: [3]float64{
			float64(si.Loads[0]) / loadScale,
			float64(si.Loads[1]) / loadScale,
			float64(si.Loads[2]) / loadScale,
		},
		TotalMem: uint64(si.Totalram) * unit,
		FreeMem:  uint64(si.Freeram) * unit,
		Uptime:   float64(si.Uptime),
	}, nil
}
