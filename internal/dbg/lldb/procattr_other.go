//go:build !linux

package lldb

import "syscall"

func serverProcAttr() *syscall.SysProcAttr {
	return nil
}
