//go:build unix

package sandbox

import (
	"log"

	"golang.org/x/sys/unix"
)

// lowerPriority nices the child process down so a misbehaving task
// script doesn't starve the host agent's own heartbeat/metrics loops.
func lowerPriority(pid int) {
	const niceIncrement = 10
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceIncrement); err != nil {
		log.Printf("[SANDBOX] could not lower priority for pid %d: %v", pid, err)
	}
}
