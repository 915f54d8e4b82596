//go:build linux

package jobs

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to the given CPU core, wrapping the core index if the machine
// has fewer cores than workers.
func pinCurrentThread(worker int) {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(worker % runtime.NumCPU())
	// best effort; an error leaves the thread unpinned
	_ = unix.SchedSetaffinity(0, &set)
}
