package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerEngine talks to the Docker daemon through the Engine API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine builds a client from the environment (DOCKER_HOST etc.)
// and verifies connectivity.
func NewDockerEngine(ctx context.Context) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Close releases the underlying HTTP client.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *DockerEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          []string{"/bin/bash"},
			Tty:          true,
			OpenStdin:    true,
			StdinOnce:    false,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Labels:       spec.Labels,
		},
		&container.HostConfig{
			AutoRemove:  true,
			NetworkMode: "bridge",
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", translate(err)
	}
	for _, w := range resp.Warnings {
		log.Printf("engine: create warning for %s: %s", spec.Name, w)
	}
	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return translate(err)
	}
	return nil
}

func (d *DockerEngine) Stop(ctx context.Context, id string) error {
	timeout := 10 // seconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return translate(err)
	}
	// AutoRemove containers disappear on stop; force-remove covers the rest.
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		log.Printf("engine: remove %s: %v", id, err)
	}
	return nil
}

func (d *DockerEngine) Inspect(ctx context.Context, id string) (*Detail, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	detail := &Detail{
		ID:        info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
		CreatedAt: created,
	}
	if info.Config != nil {
		detail.Image = info.Config.Image
		detail.Labels = info.Config.Labels
	}
	if info.State != nil {
		detail.State = info.State.Status
		detail.Running = info.State.Running
	}
	if info.NetworkSettings != nil {
		detail.IPAddress = info.NetworkSettings.IPAddress
	}
	return detail, nil
}

func (d *DockerEngine) Attach(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	info, err := d.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if !info.Running {
		return nil, fmt.Errorf("%w: status %s", ErrContainerNotRunning, info.State)
	}
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, translate(err)
	}
	return &attachStream{resp: resp}, nil
}

func (d *DockerEngine) List(ctx context.Context, labelSelector string, all bool) ([]Summary, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", labelSelector)),
	})
	if err != nil {
		return nil, translate(err)
	}
	out := make([]Summary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Summary{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
			Labels:    c.Labels,
		})
	}
	return out, nil
}

// attachStream adapts a hijacked attach connection to io.ReadWriteCloser.
// The container runs with a TTY, so the stream is raw bytes (no stdcopy
// multiplexing).
type attachStream struct {
	resp types.HijackedResponse
}

func (s *attachStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *attachStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *attachStream) Close() error {
	s.resp.Close()
	return nil
}

// translate maps raw engine errors into the taxonomy. Image resolution
// failures surface as not-found on create, connectivity problems as
// transport errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	case errdefs.IsNotFound(err):
		if strings.Contains(strings.ToLower(err.Error()), "image") {
			return fmt.Errorf("%w: %v", ErrImageInvalid, err)
		}
		return ErrContainerNotFound
	case errdefs.IsInvalidParameter(err):
		return fmt.Errorf("%w: %v", ErrImageInvalid, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return err
	}
}
