package doxie

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the device client. Callers classify failures with
// errors.Is; every error returned by this package wraps exactly one of
// these (or vault.ErrCredentialNotFound, propagated unchanged).
var (
	// ErrDeviceUnreachable indicates a network/connect failure. Fatal to
	// the current cycle for that device; not retried here.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrDeviceProtocol indicates a malformed or unexpected response shape,
	// including a missing required identity attribute.
	ErrDeviceProtocol = errors.New("device protocol error")

	// ErrDeviceAuth indicates the device rejected the credential (wrong or
	// missing secret on a protected endpoint).
	ErrDeviceAuth = errors.New("device rejected credentials")

	// ErrScanUnavailable indicates the device reported a scan in a listing
	// but no longer backs it with a file. Expected and recoverable,
	// per-record only.
	ErrScanUnavailable = errors.New("scan unavailable")
)

// StatusError preserves the raw HTTP status of a rejected device call for
// logging; it always travels wrapped alongside one of the sentinels above.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("doxie: %s returned %d", e.Path, e.StatusCode)
}

// mapStatus translates a non-200 device response into the error taxonomy.
// notFoundIsScan marks endpoints where a not-found status means a stale
// scan record rather than a broken device.
func mapStatus(status int, path string, notFoundIsScan bool) error {
	se := &StatusError{StatusCode: status, Path: path}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrDeviceAuth, se)
	case notFoundIsScan && status >= http.StatusBadRequest:
		// The listing said the scan existed; the device disagrees now.
		return fmt.Errorf("%w: %w", ErrScanUnavailable, se)
	default:
		return fmt.Errorf("%w: %w", ErrDeviceProtocol, se)
	}
}

// mapTransport wraps a transport-level failure (dial, timeout, reset).
func mapTransport(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, path, err)
}
