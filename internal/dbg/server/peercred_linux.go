//go:build linux

package server

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerInfo returns logging key/values identifying the process on the other
// end of a Unix socket.
func peerInfo(c net.Conn) []interface{} {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return nil
	}
	return []interface{}{"pid", cred.Pid, "uid", cred.Uid}
}
