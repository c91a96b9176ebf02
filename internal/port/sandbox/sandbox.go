// Package sandbox defines the port for isolated code execution.
//
// The code-generating planner hands model-written programs to a Runner and
// treats whatever the program prints as planner output. The runtime itself
// is an external capability; no implementation ships here.
package sandbox

import (
	"context"
	"time"
)

// RunSpec describes one program execution.
type RunSpec struct {
	// Language selects the runtime (e.g. "python").
	Language string

	// Code is the program source.
	Code string

	// Env is exported to the program's environment.
	Env map[string]string

	// Timeout bounds wall-clock execution. Zero means the runner's
	// default applies.
	Timeout time.Duration
}

// Execution is the observed outcome of one program run.
type Execution struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner is the port interface for executing code in isolation.
type Runner interface {
	// Name returns the runtime identifier.
	Name() string

	// Run executes the program and returns its observed output. A
	// non-zero exit is reported in Execution, not as an error; errors
	// are reserved for failures to run at all.
	Run(ctx context.Context, spec RunSpec) (*Execution, error)
}
