package sandbox

import (
	"context"
	"io"
)

// Instance is a handle to one running isolated environment.
type Instance struct {
	ID   string
	Name string
}

// ExecResult is the output of a command run to completion in an instance.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a command running inside an instance with live pipes attached.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the output streams end and returns the exit code.
	Wait(ctx context.Context) (int, error)
	// Kill detaches from the process so every pipe unblocks. Safe to call twice.
	Kill()
}

// Backend creates and destroys isolated environments.
type Backend interface {
	// Start launches an environment with mountDir as its working area.
	Start(ctx context.Context, mountDir string) (*Instance, error)
	Exec(ctx context.Context, inst *Instance, argv []string) (*ExecResult, error)
	ExecInteractive(ctx context.Context, inst *Instance, argv []string) (Process, error)
	// CopyFile copies the host file src to the absolute path dst inside inst.
	CopyFile(ctx context.Context, inst *Instance, src, dst string) error
	// Stop tears inst down. It is idempotent, accepts nil and never fails.
	Stop(ctx context.Context, inst *Instance)
}
