//go:build windows

package netio

import (
	"syscall"
)

// socketFD represents a socket handle on Windows.
type socketFD syscall.Handle

// invalidSocket represents an invalid socket value.
const invalidSocket socketFD = socketFD(syscall.InvalidHandle)

// createRawSocket creates a raw socket with the given parameters.
func createRawSocket(domain, sockType, proto int) (socketFD, error) {
	h, err := syscall.Socket(domain, sockType, proto)
	if err != nil {
		return invalidSocket, err
	}
	return socketFD(h), nil
}

// closeSocket closes the socket.
func closeSocket(fd socketFD) error {
	return syscall.Closesocket(syscall.Handle(fd))
}

// setSocketTTL sets the TTL/hop limit on a socket.
func setSocketTTL(fd socketFD, level, opt, ttl int) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), int32(level), int32(opt), ttl)
}

// sendToSocket sends data to the specified address.
func sendToSocket(fd socketFD, data []byte, flags int, sa syscall.Sockaddr) error {
	return syscall.Sendto(syscall.Handle(fd), data, flags, sa)
}
