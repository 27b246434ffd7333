// Package ioprio — ioprio.go
//
// The I/O-priority adapter: get/set per-task block layer I/O priority
// via the ioprio_get(2)/ioprio_set(2) syscalls, packed as
// (class << 13) | level.
package ioprio

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	whoProcess      = 1 // IOPRIO_WHO_PROCESS
	classShift      = 13
	prioMask        = (1 << classShift) - 1
	ClassBestEffort = 2 // IOPRIO_CLASS_BE
)

func value(class, level int) int {
	return (class << classShift) | level
}

func data(ioprio int) int {
	return ioprio & prioMask
}

// ProcessIONiceness returns pid's current I/O priority level (the class
// is stripped — callers only care about the BEST_EFFORT level per
// the daemon's settings model).
func ProcessIONiceness(pid int) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET, uintptr(whoProcess), uintptr(pid), 0)
	if int32(ret) == -1 && errno != 0 {
		return 0, fmt.Errorf("ioprio: ioprio_get(%d): %w", pid, errno)
	}
	return data(int(int32(ret))), nil
}

// SetProcessIONiceness sets I/O priority (class BEST_EFFORT, level) on
// every task of pid. Per-task ioprio can legitimately fail (e.g. a
// kernel without CFQ/BFQ) without invalidating the whole operation, so
// SetProcessIONiceness returns the list of task ids that failed
// instead of aborting on the first error.
func SetProcessIONiceness(pid, level int) (failedTasks []int, err error) {
	dir := fmt.Sprintf("/proc/%d/task/", pid)
	entries, rerr := os.ReadDir(dir)
	if rerr != nil {
		return nil, fmt.Errorf("ioprio: read %q: %w", dir, rerr)
	}

	v := value(ClassBestEffort, level)
	for _, e := range entries {
		tid, cerr := strconv.Atoi(e.Name())
		if cerr != nil {
			continue
		}
		if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, uintptr(whoProcess), uintptr(tid), uintptr(v)); errno != 0 {
			failedTasks = append(failedTasks, tid)
		}
	}
	return failedTasks, nil
}
