// Package errdefs defines general error types and error operations.
package errdefs

import (
	"errors"
	"fmt"
)

// Newf wraps the base error and a formatted error created by fmt.Errorf,
// returns the error joined.
func Newf(base error, format string, args ...any) error {
	return errors.Join(base, fmt.Errorf(format, args...))
}

// NewE wraps the base error and the input error, returns the error joined.
func NewE(base error, err error) error {
	if err == nil || errors.Is(err, base) {
		return err
	}
	return errors.Join(base, err)
}

// Step names an install step of one artifact.
type Step string

const (
	StepConvert   Step = "convert"
	StepStore     Step = "store"
	StepRegister  Step = "register"
	StepReference Step = "reference"
	StepPublish   Step = "publish"
	StepActivate  Step = "activate"
	StepCollect   Step = "collect"
)

// StepError reports which artifact of which repository failed at which step.
type StepError struct {
	Repository string
	Artifact   string
	Step       Step
	Err        error
}

// Error implements error.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s/%s: %s: %v", e.Repository, e.Artifact, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps err with the repository, artifact and step it occurred
// in. A nil err yields nil.
func NewStepError(repository, artifact string, step Step, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Repository: repository, Artifact: artifact, Step: step, Err: err}
}
