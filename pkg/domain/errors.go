package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error sentinels shared by the engine and its callers. Use errors.Is to match.
var (
	// ErrConfiguration marks invalid load input. It is reported before any step runs.
	ErrConfiguration = errors.New("configuration error")
	// ErrInsufficientObjects marks an attempt to remove more objects than a
	// membrane holds. Under correct scheduling it never reaches callers.
	ErrInsufficientObjects = errors.New("insufficient objects")
	// ErrCannotDissolveRoot marks a dissolution targeting the root membrane.
	ErrCannotDissolveRoot = errors.New("cannot dissolve root membrane")
	// ErrResourceLimitExceeded marks a division refused by the membrane or depth ceiling.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	// ErrNotHalted marks a run that reached its step bound without halting.
	ErrNotHalted = errors.New("not halted")
	// ErrUnknownMembrane marks a reference to a membrane id that is not live.
	ErrUnknownMembrane = errors.New("unknown membrane")
	// ErrNotFound marks a missing stored configuration.
	ErrNotFound = errors.New("not found")
)

// ConfigurationError describes every problem found while validating a definition.
type ConfigurationError struct {
	Problems []string
}

// Error joins the collected problems.
func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration error: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration error: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Add records a formatted problem.
func (e *ConfigurationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when problems were recorded, nil otherwise.
func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
