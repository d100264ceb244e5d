//go:build linux

package ftp

import "golang.org/x/sys/unix"

func setKeepaliveIdle(fd, secs int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
}
