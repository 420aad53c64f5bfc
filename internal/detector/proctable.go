package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ProcessTableLookup scans the native process table instead of shelling out.
// A process matches when its name, or the base name of its first command
// line argument, equals the target.
type ProcessTableLookup struct{}

func (ProcessTableLookup) Find(ctx context.Context, target string) (PID, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return NoPID, fmt.Errorf("list processes: %w", err)
	}
	// lowest pid first so repeated polls agree on multi-process targets
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		args, _ := p.CmdlineSliceWithContext(ctx)
		if matchProcess(name, args, target) {
			return PID(strconv.Itoa(int(p.Pid))), nil
		}
	}
	if ctx.Err() != nil {
		return NoPID, ctx.Err()
	}
	return NoPID, nil
}

func (ProcessTableLookup) Describe() string { return "proctable" }

func matchProcess(name string, args []string, target string) bool {
	if target == "" {
		return false
	}
	if name == target {
		return true
	}
	if len(args) > 0 {
		arg0 := strings.TrimSpace(args[0])
		return arg0 == target || filepath.Base(arg0) == target
	}
	return false
}
