//go:build linux

package workerpool

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func PinToCPU(cpu int) error {
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}

// pinWorker locks the calling worker goroutine to its OS thread and
// restricts that thread to one CPU, chosen round-robin by worker id.
func pinWorker(id int) error {
	runtime.LockOSThread()
	return PinToCPU(id % runtime.NumCPU())
}
