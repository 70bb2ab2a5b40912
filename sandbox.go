package supervisor

import (
	"context"
	"net/http"
	"time"
)

// ProcessStatus is the host's view of a process lifecycle. The vocabulary
// beyond starting and running is host-defined.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusExited   ProcessStatus = "exited"
	StatusFailed   ProcessStatus = "failed"
)

// Active reports whether the status can still describe a live gateway.
func (s ProcessStatus) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// ProcessRecord is a snapshot of one process known to the sandbox.
type ProcessRecord struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Status   ProcessStatus `json:"status"`
	ExitCode *int          `json:"exitCode,omitempty"`
}

// Logs holds the captured output of a sandbox process.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// MountOptions carries the endpoint and credentials for a bucket mount.
type MountOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ProcessLister is the only capability the process directory needs.
type ProcessLister interface {
	ListProcesses(ctx context.Context) ([]ProcessRecord, error)
}

// Sandbox is the host execution environment. The supervisor consumes it and
// never reaches for process state any other way.
type Sandbox interface {
	ProcessLister

	// StartProcess runs command through a shell and returns immediately with
	// the record in status starting.
	StartProcess(ctx context.Context, command string) (ProcessRecord, error)
	KillProcess(ctx context.Context, id string) error
	ProcessLogs(ctx context.Context, id string) (Logs, error)

	// WaitForPort blocks until the port accepts TCP connections or timeout
	// elapses. It is never cancelled early by the supervisor.
	WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error

	// WaitForExit blocks until the process leaves the active states or
	// timeout elapses, and returns the latest record either way.
	WaitForExit(ctx context.Context, id string, timeout time.Duration) (ProcessRecord, error)

	MountBucket(ctx context.Context, bucket, path string, opts MountOptions) error

	// Fetch sends req to the given port inside the sandbox.
	Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error)
}

// ProcessForgetter is implemented by hosts that can drop the record of a
// finished process. Short-lived commands are forgotten once their output has
// been collected.
type ProcessForgetter interface {
	ForgetProcess(id string)
}

// BlobStore is durable key/value storage that outlives the sandbox.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}
