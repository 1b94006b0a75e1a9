package errclass

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset errno", syscall.ECONNRESET, true},
		{"broken pipe errno", syscall.EPIPE, true},
		{"timed out errno", syscall.ETIMEDOUT, true},
		{"refused errno wrapped", fmt.Errorf("dialing: %w", syscall.ECONNREFUSED), true},
		{"host unreachable errno", syscall.EHOSTUNREACH, true},
		{"aborted errno", syscall.ECONNABORTED, true},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, true},
		{"dns temporary", &net.DNSError{Err: "server misbehaving", Name: "x.dev", IsTemporary: true}, true},
		{"op error wrapping reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"tls against plaintext peer", errors.New("tls: first record does not look like a TLS handshake: unknown protocol"), true},
		{"openssl wrong version", errors.New("ssl3_get_record: wrong version number"), true},
		{"tls alert", errors.New("remote error: tlsv1 alert internal error"), true},
		{"node-style socket hangup", errors.New("socket hang up"), true},
		{"node-style disconnect", errors.New("Client network socket disconnected before secure TLS connection was established"), true},
		{"node-style read timeout", errors.New("read ETIMEDOUT"), true},
		{"node-style premature close", errors.New("ERR_STREAM_PREMATURE_CLOSE"), true},
		{"io timeout", errors.New("read tcp 1.2.3.4:25: i/o timeout"), true},
		{"plain failure", errors.New("invalid configuration"), false},
		{"permission denied", errors.New("open /etc/secret: permission denied"), false},
		{"logic error", errors.New("index out of range"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestWrappedErrnosStayRecoverable(t *testing.T) {
	err := fmt.Errorf("posting webhook: %w", &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: syscall.ECONNREFUSED,
	})
	assert.True(t, IsRecoverable(err))
}
