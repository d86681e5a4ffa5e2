package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrSchedulerClosed   = errors.New("task scheduler closed")
	ErrManagerNotRunning = errors.New("ingest manager is not running")
	ErrManagerRunning    = errors.New("ingest manager already running")
	ErrForeignJob        = errors.New("job was created by another ingest manager")
	ErrUnsupportedModule = errors.New("module template provides neither data source nor file modules")
	ErrModulePanic       = errors.New("module panicked")
	ErrInvalidReason     = errors.New("invalid cancellation reason")
)

// ModuleError is a failure of a single ingest module.
type ModuleError struct {
	Module string
	Err    error
}

func (e ModuleError) Error() string {
	return e.Module + ": " + e.Err.Error()
}

func (e ModuleError) Unwrap() error {
	return e.Err
}

// JoinModuleErrors folds module errors into a single error, nil if errs is empty.
func JoinModuleErrors(errs []ModuleError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return errors.Join(joined...)
}

// protect runs fn and turns a panic into an error wrapping ErrModulePanic.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModulePanic, r)
		}
	}()
	return fn()
}
