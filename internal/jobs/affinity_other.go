//go:build !linux

package jobs

import "runtime"

// pinCurrentThread locks the calling goroutine to its OS thread. Core
// affinity is only available on Linux.
func pinCurrentThread(worker int) {
	runtime.LockOSThread()
}
