package go_pathtrace

import "golang.org/x/sys/unix"

func setSockOptReceiveErr(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVERR, 1)
}
