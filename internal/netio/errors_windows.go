//go:build windows

package netio

import (
	"errors"
	"syscall"
)

// classifySendError maps a sendto error onto the dispatcher's taxonomy.
func classifySendError(err error) SendErrorKind {
	switch {
	case errors.Is(err, syscall.WSAENETUNREACH), errors.Is(err, syscall.WSAEHOSTUNREACH):
		return SendNoRoute
	case errors.Is(err, syscall.WSAEACCES):
		return SendPermissionDenied
	case errors.Is(err, syscall.WSAEWOULDBLOCK):
		return SendWouldBlock
	default:
		return SendTransient
	}
}

// isPermissionError reports whether a socket open failed for lack of
// privileges.
func isPermissionError(err error) bool {
	return errors.Is(err, syscall.WSAEACCES)
}
