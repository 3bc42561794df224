package opflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrSkipped is returned by RunWait when a policy decided the call should
// not execute: a fresh cache hit, a non-reentrant or throttle drop, a
// superseded debounce call, or a silent offline abort. It is never recorded
// as a failure.
var ErrSkipped = errors.New("operation skipped by policy")

// userFacing is the marker for errors that carry a displayable message and
// are stored in the registry instead of escaping the pipeline.
type userFacing interface {
	UserFacing() bool
}

// IsUserFacing reports whether err (or anything it wraps) carries a
// user-displayable message. Such errors end up readable via Exception;
// everything else escapes the pipeline as a programming error.
func IsUserFacing(err error) bool {
	var uf userFacing
	return errors.As(err, &uf) && uf.UserFacing()
}

// UserFacingError is an explicit, display-worthy failure. Error-chain
// handlers translate transport failures into this type to surface them
// through IsFailed / Exception instead of crashing.
type UserFacingError struct {
	Msg   string
	Cause error
}

func (e *UserFacingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *UserFacingError) Unwrap() error { return e.Cause }

func (e *UserFacingError) UserFacing() bool { return true }

// UserError builds a UserFacingError with a plain message.
func UserError(msg string) *UserFacingError {
	return &UserFacingError{Msg: msg}
}

// WrapUserError translates cause into a display-worthy failure.
func WrapUserError(msg string, cause error) *UserFacingError {
	return &UserFacingError{Msg: msg, Cause: cause}
}

// ConnectivityError is raised by the connectivity gate when the probe
// reports offline and the call is not configured to abort silently.
type ConnectivityError struct {
	Msg string
}

func (e *ConnectivityError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "there is no internet connection"
}

func (e *ConnectivityError) UserFacing() bool { return true }

// QueueFullError is returned when a sequential queue has reached its
// configured bound and a further call fails fast.
type QueueFullError struct {
	Key   Key
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for key %v is full (limit %d)", e.Key, e.Limit)
}

func (e *QueueFullError) UserFacing() bool { return true }

// QueueTimeoutError is returned when a queued call waited past the
// configured queue timeout before its turn came.
type QueueTimeoutError struct {
	Key    Key
	Waited time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("queued call for key %v timed out after %v", e.Key, e.Waited)
}

func (e *QueueTimeoutError) UserFacing() bool { return true }

// ConfigError reports an invalid policy configuration, such as combining
// two deduplication policies on one call. It is a programming error and is
// never stored in the registry.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid orchestration config: " + e.Reason
}
