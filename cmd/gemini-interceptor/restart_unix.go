//go:build unix

package main

import (
	"fmt"
	"os"
	"syscall"
)

// reexec replaces the current process with a fresh copy of the binary.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec %s: %w", exe, err)
	}
	return nil
}
