//go:build unix

package main

import "golang.org/x/sys/unix"

// addressSpaceSlack covers the Go runtime's own reservations on top of the
// strategy heap.
const addressSpaceSlack = 1 << 30

func limitAddressSpace(memoryMB int64) error {
	if memoryMB <= 0 {
		return nil
	}
	n := uint64(memoryMB)<<20 + addressSpaceSlack
	return unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: n, Max: n})
}
