// Package scheduler — scheduler.go
//
// The scheduler adapter: get/set the nice value of every task belonging
// to a process, via the PRIO_PROCESS priority class.
//
// getpriority(2) legitimately returns -1 for a process whose nice value
// is -1, so the standard library's simple "negative return means error"
// shortcut doesn't apply here: callers must clear errno before the call
// and only treat a -1 return as an error if errno changed.
// golang.org/x/sys/unix doesn't expose raw errno clearing, so
// ProcessNiceness shells out to the raw syscall via unix.Syscall and
// inspects the returned errno directly, mirroring the libc
// getpriority(2) contract.
package scheduler

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const prioProcess = 0 // PRIO_PROCESS

// ProcessNiceness returns the nice value of pid's main task.
func ProcessNiceness(pid int) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_GETPRIORITY, prioProcess, uintptr(pid), 0)
	ret := int(int32(r1))
	if ret == -1 && errno != 0 {
		return 0, fmt.Errorf("scheduler: getpriority(%d): %w", pid, errno)
	}
	// PRIO_PROCESS getpriority returns 20 - nice; the raw syscall (unlike
	// glibc's wrapper) returns the kernel's internal range. Normalize to
	// the conventional [-20, 19] nice scale.
	return 20 - ret, nil
}

// Tasks lists the task (thread) ids for pid, reading /proc/<pid>/task/.
// The entry whose tid equals pid is the main thread.
func Tasks(pid int) ([]int, error) {
	dir := fmt.Sprintf("/proc/%d/task/", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read %q: %w", dir, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// SetProcessNiceness sets the nice value of every task under pid.
// Any single task's failure is fatal for the whole call —
// the caller decides whether that failure should abort admission or
// just be logged.
func SetProcessNiceness(pid, nice int) error {
	tids, err := Tasks(pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := unix.Setpriority(prioProcess, tid, nice); err != nil {
			return fmt.Errorf("scheduler: setpriority(tid=%d, nice=%d): %w", tid, nice, err)
		}
	}
	return nil
}
