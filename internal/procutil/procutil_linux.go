//go:build linux

package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// coarseResolution is false on Linux: /proc/<pid>/stat's starttime field is
// in clock ticks since boot, precise enough to distinguish pid reuse across
// any realistic writer-lock contention window.
const coarseResolution = false

const resolutionSlop = 0

// startTime reads field 22 (starttime) of /proc/<pid>/stat, the clock-tick
// count since boot at which the process started. Combined with the pid this
// uniquely identifies a process instance for the lifetime of the boot.
func startTime(pid int) (time.Time, bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ticks, err := parseStatStartTime(string(data))
	if err != nil {
		return time.Time{}, false, err
	}
	// Represent as a duration-since-boot; exact epoch alignment doesn't
	// matter since we only ever compare two readings for the same pid.
	return time.Unix(0, int64(ticks)*int64(time.Second)/clockTicksPerSec), true, nil
}

const clockTicksPerSec = 100

// parseStatStartTime extracts field 22 from /proc/[pid]/stat. The comm
// field (2nd, parenthesized) may itself contain spaces or parens, so we
// must split on the last ')' rather than naive whitespace splitting.
func parseStatStartTime(stat string) (uint64, error) {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0, fmt.Errorf("procutil: malformed /proc stat line")
	}
	rest := strings.TrimSpace(stat[idx+1:])
	fields := strings.Fields(rest)
	// rest starts at field 3 (state); starttime is field 22, i.e. index
	// 22-3 = 19 within `fields`.
	const startTimeFieldIdx = 22 - 3
	if len(fields) <= startTimeFieldIdx {
		return 0, fmt.Errorf("procutil: too few stat fields (%d)", len(fields))
	}
	return strconv.ParseUint(fields[startTimeFieldIdx], 10, 64)
}
