//go:build linux

package slab

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// onlineCPUs returns the number of CPUs the process may run on.
func onlineCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		if n := set.Count(); n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}
