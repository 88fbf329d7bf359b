package queue

import (
	"errors"
	"os"
	"syscall"
)

// ProcessChecker reports whether a process is still running.
type ProcessChecker interface {
	IsAlive(pid int) bool
}

// ProcessCheckerFunc adapts a function to ProcessChecker.
type ProcessCheckerFunc func(pid int) bool

func (f ProcessCheckerFunc) IsAlive(pid int) bool {
	return f(pid)
}

// OSProcessChecker checks the local process table with signal 0.
type OSProcessChecker struct{}

func (OSProcessChecker) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// The process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
