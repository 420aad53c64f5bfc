//go:build !windows

package detector

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// StartTime returns when the process pid was started, with one second
// resolution.
func StartTime(pid PID) (time.Time, error) {
	n, err := strconv.Atoi(string(pid))
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("invalid pid %q", pid)
	}
	sec := StartUnix(n)
	if sec == 0 {
		return time.Time{}, fmt.Errorf("start time of pid %d unavailable", n)
	}
	return time.Unix(sec, 0), nil
}

// StartUnix returns the process start time as Unix seconds using
// platform-native methods. Returns 0 when unavailable.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "android" {
		if s := startUnixProc(pid); s > 0 {
			return s
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

func startUnixProc(pid int) int64 {
	// field 22 of /proc/<pid>/stat is the start time in clock ticks since boot
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	startTicks, ok := parseStatStart(string(b))
	if !ok {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + startTicks/clk
}

// parseStatStart extracts the starttime field from a /proc/<pid>/stat line.
// The command name may contain spaces and parentheses, so fields are counted
// from the last ") ".
func parseStatStart(line string) (int64, bool) {
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0, false
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
