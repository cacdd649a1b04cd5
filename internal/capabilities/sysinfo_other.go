//go:build !linux

package capabilities

import (
	"runtime/metrics"
	"time"
)

var started = time.Now()

// Without sysinfo(2) the readouts fall back to this process's own view:
// no load averages, memory mapped by the Go runtime, and process uptime.
func readSysinfo() (sysinfo, error) {
	sample := []metrics.Sample{
		{Name: "/memory/classes/total:bytes"},
		{Name: "/memory/classes/heap/free:bytes"},
	}
	metrics.Read(sample)

	return sysinfo{
		TotalMem: sample[0].Value.Uint64(),
		FreeMem:  sample[1].Value.Uint64(),
		Uptime:   time.Since(started).Seconds(),
	}, nil
}
