package capabilities

import (
	"context"

	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

// sysinfo is a snapshot of host load and memory.
type sysinfo struct {
	Loads    [3]float64
	TotalMem uint64
	FreeMem  uint64
	Uptime   float64
}

// OS returns the synchronous host readouts.
func OS() []sandbox.Capability {
	readout := func(pick func(sysinfo) any) sandbox.Func {
		return func(context.Context, []any) (any, error) {
			info, err := readSysinfo()
			if err != nil {
				return nil, err
			}
			return pick(info), nil
		}
	}

	return []sandbox.Capability{
		{Path: "os.loadavg", Kind: sandbox.Sync, Func: readout(func(s sysinfo) any { return s.Loads[:] })},
		{Path: "os.totalmem", Kind: sandbox.Sync, Func: readout(func(s sysinfo) any { return s.TotalMem })},
		{Path: "os.freemem", Kind: sandbox.Sync, Func: readout(func(s sysinfo) any { return s.FreeMem })},
		{Path: "os.uptime", Kind: sandbox.Sync, Func: readout(func(s sysinfo) any { return s.Uptime })},
	}
}
