package pipeline

import (
	"errors"
	"fmt"

	"github.com/splax/vmdeploy/internal/preflight"
	"github.com/splax/vmdeploy/internal/proxy"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/internal/workspace"
)

// Kind classifies why a stage failed.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindConnectivity
	KindPrecondition
	KindRemoteExecution
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindPrecondition:
		return "precondition"
	case KindRemoteExecution:
		return "remote execution"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// StageError is returned for any failed stage. Every StageError ends the run.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s error): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// KindOf returns the kind of a StageError anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind, true
	}
	return 0, false
}

func classifyPreflight(err error) Kind {
	switch {
	case errors.Is(err, preflight.ErrKeyNotFound), errors.Is(err, preflight.ErrInvalidKey):
		return KindConfiguration
	default:
		return KindConnectivity
	}
}

// classifyFetch treats git failures as connectivity problems; a tree that
// cannot be deployed is a precondition failure.
func classifyFetch(err error) Kind {
	switch {
	case errors.Is(err, source.ErrNoDescriptor), errors.Is(err, workspace.ErrNotRepository):
		return KindPrecondition
	default:
		return KindConnectivity
	}
}

func classifyProxy(err error) Kind {
	if errors.Is(err, proxy.ErrInvalidConfig) {
		return KindValidation
	}
	return KindRemoteExecution
}
