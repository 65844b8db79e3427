// Package domain implements the management operations on sources, reactions,
// query containers and continuous queries: validation, persistence and
// configuration of the owning actors.
package domain

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrQueryContainerOffline rejects a query whose container is not available.
	ErrQueryContainerOffline = errors.ConstError("query container offline")
	// ErrCancelled ends a debug session the caller gave up on.
	ErrCancelled = errors.ConstError("cancelled")
)

// InvalidSpecError reports a spec that is well formed but inconsistent.
// It matches errors.NotValid.
type InvalidSpecError struct {
	Message string
}

func (e *InvalidSpecError) Error() string {
	return e.Message
}

func (e *InvalidSpecError) Is(target error) bool {
	return target == errors.NotValid
}

func invalidSpec(format string, args ...any) error {
	return &InvalidSpecError{Message: fmt.Sprintf(format, args...)}
}

// UndefinedSettingError reports a setting the provider schema does not
// declare. It matches errors.NotValid.
type UndefinedSettingError struct {
	Message string
}

func (e *UndefinedSettingError) Error() string {
	return e.Message
}

func (e *UndefinedSettingError) Is(target error) bool {
	return target == errors.NotValid
}

func queryContainerOffline(container string) error {
	return errors.WithType(errors.Errorf("query container %s is offline", container), ErrQueryContainerOffline)
}
