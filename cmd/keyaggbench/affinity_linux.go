//go:build linux

package main

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread locks the calling goroutine to its OS thread and binds that
// thread to cpu modulo the number of CPUs the process may run on. The
// returned func restores the previous CPU set and unlocks the thread; if
// the restore fails the goroutine stays locked so the thread exits with it.
func pinThread(cpu int) (func(), error) {
	runtime.LockOSThread()

	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return runtime.UnlockOSThread, err
	}
	n := allowed.Count()
	if n == 0 {
		return runtime.UnlockOSThread, nil
	}
	target := cpu % n
	var set unix.CPUSet
	for i, seen := 0, 0; i < len(allowed)*64; i++ {
		if !allowed.IsSet(i) {
			continue
		}
		if seen == target {
			set.Set(i)
			break
		}
		seen++
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return runtime.UnlockOSThread, err
	}
	return func() {
		if unix.SchedSetaffinity(0, &allowed) == nil {
			runtime.UnlockOSThread()
		}
	}, nil
}
