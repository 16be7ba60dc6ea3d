// Package updatererr defines the error-kind taxonomy shared across the
// updater engine's packages. New and Wrap attach a Kind to an error; the
// Kind survives further fmt.Errorf("...: %w", err) wrapping, so callers
// can recover it with Classify or Is.
package updatererr

import (
	"errors"
	"net"
)

// Kind classifies an error into one of the taxonomy buckets. The capi
// facade does not consult it: every pipeline error maps to
// StatusUpdateError there.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInvalidState
	KindConfigNotInitialized
	KindUpdaterAlreadyInitialized
	KindUpdateAlreadyInProgress
	KindBadServerResponse
	KindNetworkError
	KindHashMismatch
	KindSignatureInvalid
	KindIOError
	KindUnknownPlatform
	KindFailedToSaveState
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	case KindConfigNotInitialized:
		return "config_not_initialized"
	case KindUpdaterAlreadyInitialized:
		return "updater_already_initialized"
	case KindUpdateAlreadyInProgress:
		return "update_already_in_progress"
	case KindBadServerResponse:
		return "bad_server_response"
	case KindNetworkError:
		return "network_error"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindIOError:
		return "io_error"
	case KindUnknownPlatform:
		return "unknown_platform"
	case KindFailedToSaveState:
		return "failed_to_save_state"
	default:
		return "unknown"
	}
}

// kindError carries a Kind alongside the usual wrapped error chain so
// errors.As can recover it after arbitrary fmt.Errorf("%w", ...) wrapping.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New returns an error of the given kind wrapping msg.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Wrap attaches kind to err, preserving err in the unwrap chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Classify returns the Kind attached to err via New/Wrap, falling back to
// type-based classification for errors the engine does not
// directly construct (e.g. DNS failures surfaced by net/http), and
// KindUnknown otherwise.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetworkError
	}
	return KindUnknown
}

// Is reports whether err was constructed (directly or via wrapping) with
// the given Kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
