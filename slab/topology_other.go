//go:build !linux

package slab

import "runtime"

func onlineCPUs() int { return runtime.NumCPU() }
