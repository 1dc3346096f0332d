//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// ApplyVirtualMemoryLimit enforces RLIMIT_AS on the calling process so a
// guest cannot grow the child past maxMB of virtual address space. Called
// by cmd/romaworker once it has its Options, before loading any CodeObject.
func ApplyVirtualMemoryLimit(maxMB int) error {
	if maxMB <= 0 {
		return nil
	}
	limit := uint64(maxMB) * 1024 * 1024
	rlimit := unix.Rlimit{Cur: limit, Max: limit}
	return unix.Setrlimit(unix.RLIMIT_AS, &rlimit)
}
