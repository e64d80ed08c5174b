// Package engine wraps the container runtime behind a small interface.
// All runtime errors are translated into the arena's error taxonomy at
// this boundary; nothing above it sees raw engine errors.
package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy for runtime operations. Callers match with errors.Is.
var (
	// ErrRuntimeUnavailable means the engine cannot be reached. It is the
	// trigger for simulated-terminal fallback.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrImageInvalid means the image reference cannot be resolved.
	ErrImageInvalid = errors.New("image reference invalid")

	// ErrContainerNotFound means the engine does not know the container.
	ErrContainerNotFound = errors.New("container not found")

	// ErrContainerNotRunning means the container exists but is not in the
	// running state.
	ErrContainerNotRunning = errors.New("container not running")
)

// Detail is the engine's view of a single container.
type Detail struct {
	ID        string
	Name      string
	Image     string
	State     string // created, running, exited, ...
	Running   bool
	CreatedAt time.Time
	IPAddress string
	Labels    map[string]string
}

// Summary is one entry of a container listing.
type Summary struct {
	ID        string
	Name      string
	Image     string
	State     string
	CreatedAt time.Time
	Labels    map[string]string
}

// CreateSpec describes the container to provision. Containers always get
// an interactive TTY shell so terminal sessions can attach.
type CreateSpec struct {
	Image  string
	Name   string
	Labels map[string]string
}

// Engine is the container runtime boundary. Implementations must be safe
// for concurrent use.
type Engine interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Create provisions a container per spec and returns its runtime ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Stop stops and removes a container. Stopping an unknown container
	// returns ErrContainerNotFound.
	Stop(ctx context.Context, id string) error

	// Inspect returns the container's current detail.
	Inspect(ctx context.Context, id string) (*Detail, error)

	// Attach connects to the container's TTY stream. The returned stream
	// carries raw terminal bytes in both directions.
	Attach(ctx context.Context, id string) (io.ReadWriteCloser, error)

	// List enumerates containers carrying the given label selector
	// (key=value), optionally including stopped ones.
	List(ctx context.Context, labelSelector string, all bool) ([]Summary, error)
}
