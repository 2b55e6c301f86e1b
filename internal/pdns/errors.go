package pdns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Error is returned by every Client call that did not succeed.
type Error struct {
	Op      string // "create", "delete", "zone"
	Status  int    // HTTP status, 0 when no response was received
	Message string // error text from the API body, if any
	Err     error  // transport error, if any

	transient bool
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("pdns %s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("pdns %s: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Message)
	default:
		return fmt.Sprintf("pdns %s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call later may succeed.
func (e *Error) Transient() bool { return e.transient }

// IsTransient reports whether err is a retryable DNS API failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.transient
}

// IsPermanent reports whether err is a DNS API failure that retrying will not fix.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && !e.transient
}

// transientStatus classifies HTTP statuses: 5xx and 429 are worth retrying.
func transientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// transientTransport classifies errors returned before any response arrived.
// Refused or reset connections and timeouts are retryable; TLS and other
// configuration faults are not.
func transientTransport(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownCA   x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &recordErr),
		errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalidCert):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}
	return false
}
