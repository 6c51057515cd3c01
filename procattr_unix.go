//go:build !windows
// +build !windows

package queuectl

import "syscall"

// detachedProcAttr starts spawned workers in their own session so they
// survive the CLI process and never receive its terminal signals.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
