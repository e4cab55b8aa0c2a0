//go:build linux

package sandbox

import (
	"os"
	"syscall"
)

// maxRSSBytes reports peak resident memory; linux reports ru_maxrss in KB.
func maxRSSBytes(state *os.ProcessState) int64 {
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok && usage != nil {
		return usage.Maxrss * 1024
	}
	return 0
}
