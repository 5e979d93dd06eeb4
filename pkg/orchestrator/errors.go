package orchestrator

import (
	"errors"
	"fmt"
)

// ErrGaveUp is returned from Start once the retry budget is exhausted.
// Further Start calls return it immediately.
var ErrGaveUp = errors.New("orchestrator: start retries exhausted")

// DependencyTimeoutError reports a service that did not become Ready
// within its start timeout. It fails the whole plan; dependents cascade
// to Failed without being started.
type DependencyTimeoutError struct {
	Service string
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: service %q timed out before becoming ready", e.Service)
}

// StartError reports a service whose start hook returned an error
type StartError struct {
	Service string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("orchestrator: starting service %q: %v", e.Service, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
