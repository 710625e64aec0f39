package bootloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConstruction = errors.New("bootloader: construction failed")
	ErrNotFound     = errors.New("bootloader: not found")
	ErrExecution    = errors.New("bootloader: execution failed")
	ErrCycle        = errors.New("bootloader: ordering cycle")
)

// ConstructionError is returned by Add when a unit cannot be built.
// The registry is left unchanged.
type ConstructionError struct {
	Name string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("bootloader %q: construction failed: %v", e.Name, e.Err)
}
func (e *ConstructionError) Unwrap() error        { return e.Err }
func (e *ConstructionError) Is(target error) bool { return target == ErrConstruction }

// NotFoundError is returned by Lookup for an unregistered name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("bootloader %q: not found", e.Name) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ExecutionError wraps the error returned (or panic raised) by a unit's Run.
type ExecutionError struct {
	Name string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("bootloader %q: run failed: %v", e.Name, e.Err)
}
func (e *ExecutionError) Unwrap() error        { return e.Err }
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// CycleError is returned by Add when the new registration makes the
// before/after constraints unsatisfiable. Names lists the units on the
// cycle in sequence order; units that only depend on it are
// left out.
type CycleError struct {
	Name  string
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("bootloader %q: ordering cycle between [%s]", e.Name, strings.Join(e.Names, ", "))
}
func (e *CycleError) Is(target error) bool { return target == ErrCycle }
