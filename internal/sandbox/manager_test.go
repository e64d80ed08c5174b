package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	byID    map[string]*engine.Detail
	failOn  string // op name that should fail
	stopped []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{byID: make(map[string]*engine.Detail)}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) Create(ctx context.Context, spec engine.CreateSpec) (string, error) {
	if f.failOn == "create" {
		return "", engine.ErrImageInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("c%04d", f.seq)
	f.byID[id] = &engine.Detail{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		State:     "created",
		CreatedAt: time.Now(),
		IPAddress: "172.17.0.2",
		Labels:    spec.Labels,
	}
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	if f.failOn == "start" {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return engine.ErrContainerNotFound
	}
	d.State = "running"
	d.Running = true
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return engine.ErrContainerNotFound
	}
	delete(f.byID, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (*engine.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return nil, engine.ErrContainerNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeEngine) Attach(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	return nil, engine.ErrContainerNotFound
}

func (f *fakeEngine) List(ctx context.Context, labelSelector string, all bool) ([]engine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.Summary
	for _, d := range f.byID {
		out = append(out, engine.Summary{
			ID: d.ID, Name: d.Name, Image: d.Image,
			State: d.State, CreatedAt: d.CreatedAt, Labels: d.Labels,
		})
	}
	return out, nil
}

func newTestManager(eng engine.Engine) (*Manager, *session.Registry) {
	reg := session.NewRegistry(time.Hour, nil)
	return NewManager(eng, reg), reg
}

func TestCreateRegistersContainer(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)

	info, err := m.Create(context.Background(), "ubuntu:22.04", Owner{UserID: 7, MatchID: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(info.Name, "arena-7-3-") {
		t.Errorf("name = %q, want arena-7-3- prefix", info.Name)
	}
	if info.Status != types.ContainerRunning {
		t.Errorf("status = %q, want running", info.Status)
	}
	if info.IPAddress == "" {
		t.Error("expected IP address from inspect")
	}
	if _, ok := m.Tracked(info.ID); !ok {
		t.Error("container not tracked after create")
	}
}

func TestCreateNilEngine(t *testing.T) {
	m, _ := newTestManager(nil)
	_, err := m.Create(context.Background(), "ubuntu:22.04", Owner{UserID: 1})
	if !errors.Is(err, engine.ErrRuntimeUnavailable) {
		t.Fatalf("err = %v, want ErrRuntimeUnavailable", err)
	}
}

func TestCreateBadImage(t *testing.T) {
	eng := newFakeEngine()
	eng.failOn = "create"
	m, _ := newTestManager(eng)

	_, err := m.Create(context.Background(), "no-such-image", Owner{UserID: 1})
	if !errors.Is(err, engine.ErrImageInvalid) {
		t.Fatalf("err = %v, want ErrImageInvalid", err)
	}
}

func TestCreateStartFailureRollsBack(t *testing.T) {
	eng := newFakeEngine()
	eng.failOn = "start"
	m, _ := newTestManager(eng)

	_, err := m.Create(context.Background(), "ubuntu:22.04", Owner{UserID: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(eng.stopped) != 1 {
		t.Errorf("stopped = %v, want the created container rolled back", eng.stopped)
	}
	if got, _ := m.ListForUser(context.Background(), 1); len(got) != 0 {
		t.Errorf("leaked containers: %v", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)
	ctx := context.Background()

	info, err := m.Create(ctx, "ubuntu:22.04", Owner{UserID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.Stop(ctx, info.ID) {
		t.Error("first stop should report true")
	}
	if m.Stop(ctx, info.ID) {
		t.Error("second stop should report false")
	}
	if m.Stop(ctx, "never-existed") {
		t.Error("stopping unknown container should report false")
	}
}

func TestStopInvalidatesSessions(t *testing.T) {
	eng := newFakeEngine()
	m, reg := newTestManager(eng)
	ctx := context.Background()

	info, err := m.Create(ctx, "ubuntu:22.04", Owner{UserID: 5, MatchID: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := reg.Create(ctx, info.ID, 5, 2)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !reg.Validate(s.ID, s.Token) {
		t.Fatal("session should validate before stop")
	}

	m.Stop(ctx, info.ID)

	if reg.Validate(s.ID, s.Token) {
		t.Error("session still valid after container stop")
	}
}

func TestStatusNeverErrors(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)
	ctx := context.Background()

	if got := m.Status(ctx, "missing"); got != types.ContainerNotFound {
		t.Errorf("status(missing) = %q, want not_found", got)
	}
	if got := m.Status(ctx, session.PendingContainer); got != types.ContainerNotFound {
		t.Errorf("status(pending) = %q, want not_found", got)
	}

	info, _ := m.Create(ctx, "ubuntu:22.04", Owner{UserID: 1})
	if got := m.Status(ctx, info.ID); got != types.ContainerRunning {
		t.Errorf("status = %q, want running", got)
	}

	nilm, _ := newTestManager(nil)
	if got := nilm.Status(ctx, info.ID); got != types.ContainerNotFound {
		t.Errorf("status with nil engine = %q, want not_found", got)
	}
}

func TestCleanupRemovesOnlyStale(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)
	ctx := context.Background()

	old, _ := m.Create(ctx, "ubuntu:22.04", Owner{UserID: 1})
	fresh, _ := m.Create(ctx, "ubuntu:22.04", Owner{UserID: 2})

	// Backdate the first container past the cutoff.
	m.mu.Lock()
	info := m.containers[old.ID]
	info.CreatedAt = time.Now().Add(-3 * time.Hour)
	m.containers[old.ID] = info
	m.mu.Unlock()

	if removed := m.Cleanup(ctx, 2*time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := m.Tracked(old.ID); ok {
		t.Error("stale container still tracked")
	}
	if _, ok := m.Tracked(fresh.ID); !ok {
		t.Error("fresh container was swept")
	}
}

func TestCleanupZeroMaxAgeRemovesAllTracked(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)
	ctx := context.Background()

	m.Create(ctx, "ubuntu:22.04", Owner{UserID: 1})
	m.Create(ctx, "ubuntu:22.04", Owner{UserID: 2})

	m.StopAll(ctx)

	if got, _ := m.ListOwned(ctx, true); len(got) != 0 {
		t.Errorf("containers survive StopAll: %v", got)
	}
}

func TestListForUserFiltersByLabel(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng)
	ctx := context.Background()

	m.Create(ctx, "ubuntu:22.04", Owner{UserID: 10, MatchID: 1})
	m.Create(ctx, "ubuntu:22.04", Owner{UserID: 11, MatchID: 1})
	m.Create(ctx, "ubuntu:22.04", Owner{UserID: 10, MatchID: 0})

	mine, err := m.ListForUser(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("got %d containers for user 10, want 2", len(mine))
	}
	for _, c := range mine {
		if c.UserID != 10 {
			t.Errorf("container %s has user %d", c.ID, c.UserID)
		}
	}
}
