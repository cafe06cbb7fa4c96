// Package hints separates "nothing to do" from "something went wrong".
//
// A run regularly hits conditions that end a step early without being
// failures: the removable disk is not plugged in, a pool has nothing new
// to mirror, hooks are disabled. Producers mark such errors as hints;
// consumers ask IsHint and downgrade them to a log line instead of
// failing the run. The marker travels as error behavior, found through
// errors.As, so consumers never import sentinels from the producing
// package.
package hints

import (
	"errors"
	"fmt"
)

// marked carries the hint marker alongside the original cause. The
// cause stays reachable for errors.Is and errors.As.
type marked struct {
	cause error
}

func (m marked) Error() string { return m.cause.Error() }
func (m marked) Hint() bool    { return true }
func (m marked) Unwrap() error { return m.cause }

// New returns a new hint with the given message.
func New(msg string) error {
	return marked{cause: errors.New(msg)}
}

// Newf returns a new hint from a format string. The %w verb works as in
// fmt.Errorf, so a hint can carry a wrapped cause.
func Newf(format string, args ...any) error {
	return marked{cause: fmt.Errorf(format, args...)}
}

// Wrap promotes an existing error to a hint. A nil error stays nil and
// an error that already is a hint is returned unchanged.
func Wrap(err error) error {
	if err == nil || IsHint(err) {
		return err
	}
	return marked{cause: err}
}

// IsHint reports whether any error in the chain carries the hint
// marker. Wrapping a hint with fmt.Errorf and %w keeps the marker
// visible.
func IsHint(err error) bool {
	var h interface{ Hint() bool }
	return errors.As(err, &h) && h.Hint()
}

// Is reports whether err is a hint and also matches target, reading as
// "this is the expected early exit I am prepared to skip".
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
