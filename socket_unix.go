//go:build linux || darwin

package ftp

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepalive enables TCP keep-alive and, where the platform exposes the
// knob, tunes the idle-before-probe interval directly via the socket
// option rather than the coarser net.TCPConn.SetKeepAlive/SetKeepAlivePeriod
// pair.
func tuneKeepalive(conn net.Conn, interval time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(interval)

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	secs := int(interval.Seconds())
	if secs <= 0 {
		secs = 1
	}
	_ = raw.Control(func(fd uintptr) {
		_ = setKeepaliveIdle(int(fd), secs)
	})
}
