//go:build windows
// +build windows

package queuectl

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
