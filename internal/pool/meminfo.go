package pool

import "golang.org/x/sys/unix"

// readMemInfo returns (available, total) memory in GiB using
// unix.Sysinfo. If OS memory is unreadable, ok is false and the
// resource-ceiling check treats this as "plenty" — a non-blocking
// default per spec.md §4.4.
func readMemInfo() (availableGB, totalGB float64, ok bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, false
	}
	unit := float64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	const giB = 1024 * 1024 * 1024
	totalGB = float64(info.Totalram) * unit / giB
	availableGB = float64(info.Freeram) * unit / giB
	return availableGB, totalGB, true
}

// readFreeMemGB returns only the available-memory figure.
func readFreeMemGB() (float64, bool) {
	free, _, ok := readMemInfo()
	return free, ok
}
