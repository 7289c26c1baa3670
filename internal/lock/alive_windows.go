//go:build windows

package lock

import "os"

// PIDAlive reports whether a process with the given pid can be opened.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
