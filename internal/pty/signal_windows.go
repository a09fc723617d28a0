//go:build windows

package pty

import (
	"os"
	"syscall"
)

func signalByName(name string) (os.Signal, bool) {
	switch name {
	case "SIGINT":
		return syscall.SIGINT, true
	case "SIGTERM":
		return syscall.SIGTERM, true
	case "SIGKILL":
		return syscall.SIGKILL, true
	}
	return nil, false
}
