//go:build linux

package agw

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Native AX.25 support: talk to the kernel's AX.25 stack directly over an
// AF_AX25 SOCK_SEQPACKET socket instead of going through an AGW host.
// Same role as an AGW Connection, minus the host protocol.

const maxNativeDigis = 8

// fullSockaddrAX25 mirrors the kernel's struct full_sockaddr_ax25.
type fullSockaddrAX25 struct {
	Family uint16
	Call   AX25Call
	_      [3]byte
	Ndigis int32
	Digis  [maxNativeDigis]AX25Call
}

// NativeStream is an established kernel AX.25 connection.
type NativeStream struct {
	closeOnce sync.Once
	fd        int
}

// DialAX25 binds mycall on the given radio port callsign and connects to
// remote, optionally through digipeaters.
func DialAX25(mycall, radio, remote AX25Call, digis []AX25Call) (*NativeStream, error) {
	var fd, sockErr = unix.Socket(unix.AF_AX25, unix.SOCK_SEQPACKET, 0)
	if sockErr != nil {
		return nil, fmt.Errorf("creating AX.25 socket: %w", sockErr)
	}

	var s = &NativeStream{fd: fd}
	if err := ax25Sockcall(unix.SYS_BIND, fd, mycall, []AX25Call{radio}); err != nil {
		s.Close() //nolint:errcheck

		return nil, fmt.Errorf("binding %s on %s: %w", mycall, radio, err)
	}
	if err := ax25Sockcall(unix.SYS_CONNECT, fd, remote, digis); err != nil {
		s.Close() //nolint:errcheck

		return nil, fmt.Errorf("connecting to %s: %w", remote, err)
	}

	return s, nil
}

func ax25Sockcall(trap uintptr, fd int, call AX25Call, digis []AX25Call) error {
	if len(digis) > maxNativeDigis {
		return fmt.Errorf("%w: %d > %d", ErrTooManyHops, len(digis), maxNativeDigis)
	}

	var sa = fullSockaddrAX25{
		Family: unix.AF_AX25,
		Call:   call,
		Ndigis: int32(len(digis)),
	}
	copy(sa.Digis[:], digis)

	// x/sys has no Sockaddr for AF_AX25, so make the call raw.
	var _, _, errno = unix.Syscall(trap, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return errno
	}

	return nil
}

func (s *NativeStream) Read(p []byte) (int, error) {
	var n, err = unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (s *NativeStream) Write(p []byte) (int, error) {
	var n, err = unix.Write(s.fd, p)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Close is idempotent.
func (s *NativeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = unix.Close(s.fd)
	})

	return err
}
