//go:build !linux && !darwin

package ftp

import (
	"net"
	"time"
)

// tuneKeepalive falls back to the portable stdlib knobs on platforms
// without a golang.org/x/sys/unix socket-option path; SO_KEEPALIVE is
// applied, but finer idle-interval tuning is POSIX-only.
func tuneKeepalive(conn net.Conn, interval time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(interval)
}
