// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package mux

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/luxfi/nri/errdefs"
)

// FileConn takes ownership of fd, which must be a connected unix stream
// socket, and returns it as a *net.UnixConn. fd is closed even on failure.
func FileConn(fd int) (*net.UnixConn, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: invalid fd %d", errdefs.ErrInvalidArgument, fd)
	}
	unix.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), fmt.Sprintf("trunk-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("%w: fd %d is not a valid fd", errdefs.ErrInvalidArgument, fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("%w: fd %d: %v", errdefs.ErrIO, fd, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: fd %d is not a unix socket", errdefs.ErrInvalidArgument, fd)
	}
	return unixConn, nil
}

// SocketPair returns two connected unix stream sockets.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socketpair: %v", errdefs.ErrIO, err)
	}

	a, err := FileConn(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := FileConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
