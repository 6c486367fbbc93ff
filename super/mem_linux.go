package super

import (
	"golang.org/x/sys/unix"
)

func totalRAM() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackRAM
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
