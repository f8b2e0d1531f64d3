//go:build !unix

package sandbox

// lowerPriority is a no-op on platforms without a POSIX nice/priority
// syscall wired up here.
func lowerPriority(pid int) {}
