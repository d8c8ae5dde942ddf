//go:build !linux

package main

import "runtime"

// pinThread only locks the goroutine to its thread; CPU binding needs
// sched_setaffinity(2).
func pinThread(int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
