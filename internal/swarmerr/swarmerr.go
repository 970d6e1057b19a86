// Package swarmerr defines the error taxonomy the swarm engine uses to
// decide whether a failure is worth retrying, worth pausing a torrent for,
// or worth reporting to the user verbatim. An *Error carries a Kind so a
// caller can react on Kind alone instead of string-matching messages. No
// other package in this module imports it; errors passed between the
// internal/swarm packages are not wrapped in *Error.
package swarmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the swarm engine should react to it.
type Kind int

const (
	// Unknown is the zero value; it should never appear on a wrapped
	// error produced by this package.
	Unknown Kind = iota

	// TransientIO covers short-lived I/O failures (a timed-out dial, a
	// reset connection, a single failed disk write) that are worth
	// retrying without any user-visible state change.
	TransientIO

	// DiskFull means a write failed because the filesystem is out of
	// space. The torrent should pause, not retry.
	DiskFull

	// FatalDisk covers unrecoverable storage failures (permission
	// denied, missing volume) that should pause the torrent and
	// surface an alert.
	FatalDisk

	// HashMismatch means a completed piece failed its SHA-1 check.
	HashMismatch

	// ProtocolError means a peer sent a message violating the wire
	// protocol; the session should be dropped.
	ProtocolError

	// TrackerError covers announce/scrape failures against a tracker
	// entry; the controller should back off and try the next entry.
	TrackerError

	// ResumeDataRejected means saved resume data didn't match the
	// current metainfo (piece count, file layout) and was discarded.
	ResumeDataRejected

	// FilterBlocked means an operation was refused because the target
	// piece or peer is excluded by a priority or IP filter.
	FilterBlocked
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case DiskFull:
		return "disk_full"
	case FatalDisk:
		return "fatal_disk"
	case HashMismatch:
		return "hash_mismatch"
	case ProtocolError:
		return "protocol_error"
	case TrackerError:
		return "tracker_error"
	case ResumeDataRejected:
		return "resume_data_rejected"
	case FilterBlocked:
		return "filter_blocked"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across swarm engine component
// boundaries. Op names the failing operation (e.g. "storage.writePiece"),
// Err is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a swarmerr.Error of the given kind and operation. If err
// is nil, New returns nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is (or wraps) a swarmerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning Unknown if err is not (and
// does not wrap) a swarmerr.Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Unknown
}

// Retryable reports whether an error of this kind is safe to retry without
// operator intervention.
func (k Kind) Retryable() bool {
	switch k {
	case TransientIO, TrackerError:
		return true
	default:
		return false
	}
}
