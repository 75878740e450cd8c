// Package types defines error types for the simulated filesystem.
package types

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrInvalidPath             = errors.New("invalid path")
	ErrNotFound                = errors.New("no such file or directory")
	ErrNotADirectory           = errors.New("not a directory")
	ErrIsADirectory            = errors.New("is a directory")
	ErrNotEmpty                = errors.New("directory not empty")
	ErrAlreadyExists           = errors.New("file exists")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrQuotaExceeded           = errors.New("disk quota exceeded")
	ErrInvalidMode             = errors.New("invalid mode")
	ErrCannotRemoveSystemAlias = errors.New("cannot remove system alias")
	ErrLockConflict            = errors.New("lock conflict")
	ErrInvalidArgument         = errors.New("invalid argument")
)

// PathError records a failed operation on a path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and path it failed on.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// PermissionError represents a denied access check with context.
type PermissionError struct {
	Path   string
	Op     Op
	UID    uint32
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied: %s on '%s' for uid %d: %s", e.Op, e.Path, e.UID, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s on '%s' for uid %d", e.Op, e.Path, e.UID)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// QuotaError is returned when a reservation would exceed a group quota.
type QuotaError struct {
	GroupID   uint32
	Requested int64
	Usage     int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("disk quota exceeded: group %d uses %d of %d bytes, %d more requested",
		e.GroupID, e.Usage, e.Limit, e.Requested)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ModeError is returned for a mode spec that is neither octal nor symbolic.
type ModeError struct {
	Spec   string
	Reason string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("invalid mode '%s': %s", e.Spec, e.Reason)
}

func (e *ModeError) Is(target error) bool {
	return target == ErrInvalidMode
}
