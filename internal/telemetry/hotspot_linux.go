//go:build linux

package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// clockTicksPerSec is USER_HZ, almost universally 100 on Linux; reading
// the real value requires cgo's sysconf(_SC_CLK_TCK), which this package
// avoids (spec.md §4.11 is a best-effort diagnostic, not a precise one).
const clockTicksPerSec = 100.0

// threadCPUTimes reads /proc/<pid>/task/*/stat and returns each thread's
// cumulative (utime+stime) CPU seconds, keyed by tid.
func threadCPUTimes(pid int32) (map[int]float64, error) {
	dir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[int]float64, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", dir, tid))
		if err != nil {
			continue
		}
		utime, stime, ok := parseStatTimes(raw)
		if !ok {
			continue
		}
		out[tid] = (utime + stime) / clockTicksPerSec
	}
	return out, nil
}

// parseStatTimes extracts fields 14 (utime) and 15 (stime) of proc(5)'s
// stat format. comm can itself contain spaces or parens, so the split
// starts after the last ")" rather than at a fixed field offset.
func parseStatTimes(raw []byte) (utime, stime float64, ok bool) {
	s := string(raw)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, 0, false
	}
	fields := strings.Fields(s[idx+2:])
	// fields[0] is field 3 (state) in proc(5)'s numbering, so field 14
	// (utime) is fields[11] and field 15 (stime) is fields[12].
	if len(fields) < 13 {
		return 0, 0, false
	}
	u, err1 := strconv.ParseFloat(fields[11], 64)
	st, err2 := strconv.ParseFloat(fields[12], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return u, st, true
}
