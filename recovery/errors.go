// Package recovery classifies copy failures and decides whether and how an
// item may be re-attempted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Kind is the failure category of a copy operation.
type Kind string

const (
	KindIO               Kind = "io"
	KindPermissionDenied Kind = "permission_denied"
	KindDiskFull         Kind = "disk_full"
	KindFileLocked       Kind = "file_locked"
	KindNetwork          Kind = "network"
	KindHashMismatch     Kind = "hash_mismatch"
	KindCancelled        Kind = "cancelled"
	KindPaused           Kind = "paused"
	KindInvalidPath      Kind = "invalid_path"
	KindCrossDeviceLink  Kind = "cross_device_link"
)

var (
	// ErrHashMismatch is returned when a verified copy does not match its source.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrCancelled is returned by copy loops that observed a cancellation request.
	ErrCancelled = errors.New("cancelled")
)

// Error is a classified copy failure.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	label := e.Kind.label()
	if e.Kind == KindIO && e.Err != nil {
		label = fmt.Sprintf("IO error: %v", e.Err)
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, label)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, label)
	}
	return label
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindDiskFull}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

// CanRetry reports whether the failure is transient.
func (e *Error) CanRetry() bool {
	switch e.Kind {
	case KindFileLocked, KindNetwork, KindHashMismatch:
		return true
	}
	return false
}

// SuggestedAction is the human-facing remedy, independent of retry eligibility.
func (e *Error) SuggestedAction() Action {
	switch e.Kind {
	case KindDiskFull:
		return ActionFreeSpace
	case KindPermissionDenied:
		return ActionRequestElevation
	case KindFileLocked:
		return ActionUnlockOrSkip
	case KindCrossDeviceLink:
		return ActionUseCopy
	}
	return ActionRetryOrSkip
}

func (k Kind) label() string {
	switch k {
	case KindPermissionDenied:
		return "Permission denied"
	case KindDiskFull:
		return "Disk full"
	case KindFileLocked:
		return "File locked"
	case KindNetwork:
		return "Network error"
	case KindHashMismatch:
		return "Hash mismatch"
	case KindCancelled:
		return "Cancelled"
	case KindPaused:
		return "Paused"
	case KindInvalidPath:
		return "Invalid path"
	case KindCrossDeviceLink:
		return "Cross device link"
	}
	return "IO error"
}

// New builds a classified error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Classify maps an arbitrary error onto the copy error taxonomy. An error that
// is already classified is returned as is. Classify(nil) is nil.
func Classify(op, path string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return New(kindOf(err), op, path, err)
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrHashMismatch):
		return KindHashMismatch
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT):
		return KindDiskFull
	case errors.Is(err, unix.EXDEV):
		return KindCrossDeviceLink
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.ETXTBSY), errors.Is(err, unix.EAGAIN):
		return KindFileLocked
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EROFS):
		return KindPermissionDenied
	case errors.Is(err, unix.ENAMETOOLONG), errors.Is(err, unix.EINVAL), errors.Is(err, fs.ErrInvalid):
		return KindInvalidPath
	case errors.Is(err, unix.ESTALE), errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.EHOSTDOWN),
		errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ETIMEDOUT), errors.Is(err, os.ErrDeadlineExceeded):
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindIO
}

// IsCancelled reports whether err represents a cancellation of the job.
func IsCancelled(err error) bool {
	return errors.Is(err, &Error{Kind: KindCancelled}) || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// UserMessage renders err for the command line.
func UserMessage(err error) string {
	var ce *Error
	if !errors.As(err, &ce) {
		return err.Error()
	}
	switch ce.SuggestedAction() {
	case ActionFreeSpace:
		return fmt.Sprintf("%v (free some space on the destination and retry)", ce)
	case ActionRequestElevation:
		return fmt.Sprintf("%v (run with sufficient permissions)", ce)
	case ActionUnlockOrSkip:
		return fmt.Sprintf("%v (close the program holding the file or skip it)", ce)
	case ActionUseCopy:
		return fmt.Sprintf("%v (copy instead of moving across devices)", ce)
	}
	return ce.Error()
}
