package errclass

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// recoverableErrnos are socket-level faults that indicate a flaky peer or
// network, not a broken process. They are logged at warn and never trigger
// shutdown.
var recoverableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ECONNREFUSED,
}

// recoverableFragments are message substrings produced by TLS handshakes
// against non-TLS peers, abrupt disconnects, and resolver hiccups.
var recoverableFragments = []string{
	"econnreset",
	"epipe",
	"etimedout",
	"esocket",
	"econnaborted",
	"ehostunreach",
	"econnrefused",
	"enotfound",
	"eai_again",
	"err_stream_premature_close",
	"unknown protocol",
	"wrong version number",
	"tlsv1 alert",
	"read etimedout",
	"socket hang up",
	"client network socket disconnected",
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"use of closed network connection",
}

// IsRecoverable reports whether err is a transient network fault that the
// process should survive. Everything else is treated as fatal by the
// top-level error handler.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range recoverableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range recoverableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}

	return false
}
