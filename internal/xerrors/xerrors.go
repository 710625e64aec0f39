// Package xerrors attaches call-site information to errors. The logger reads
// it back: PC() from Wrap/Wrapf gives the position of each link, StackPCs()
// from New/Newf/WithStack gives a full stack.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }

// skip counts frames above the caller of the exported function
func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+3, pcs)
	return &withStack{err: err, pcs: pcs[:n]}
}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error { return w.err }
func (w *wrap) PC() uintptr   { return w.pc }

func callerPC() uintptr {
	var pcs [1]uintptr
	// runtime.Callers, callerPC, Wrap/Wrapf
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return withStackSkip(errors.New(msg), 0) }

func Newf(format string, args ...any) error {
	return withStackSkip(fmt.Errorf(format, args...), 0)
}

// WithStack records the caller's stack on err.
func WithStack(err error) error { return withStackSkip(err, 0) }

// EnsureTrace is WithStack unless err already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 0)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC()}
}

func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }
