package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	upserts int
	touches int
	closes  []int64
}

func (r *recordingSink) UpsertSession(ctx context.Context, s *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	return nil
}

func (r *recordingSink) TouchSession(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches++
	return nil
}

func (r *recordingSink) CloseSession(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, id)
	return nil
}

func runningStatus(ctx context.Context, containerID string) types.ContainerStatus {
	return types.ContainerRunning
}

func TestCreateIssuesUniqueTokens(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	r.SetStatusFunc(runningStatus)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := r.Create(ctx, "c1", 1, 0)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if len(s.Token) != 32 {
			t.Fatalf("token %q is not 32 hex chars", s.Token)
		}
		if seen[s.Token] {
			t.Fatal("duplicate token issued")
		}
		seen[s.Token] = true
	}
}

func TestCreateRequiresRunningContainer(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	r.SetStatusFunc(func(ctx context.Context, id string) types.ContainerStatus {
		return types.ContainerExited
	})

	_, err := r.Create(context.Background(), "c1", 1, 0)
	if !errors.Is(err, engine.ErrContainerNotRunning) {
		t.Fatalf("err = %v, want ErrContainerNotRunning", err)
	}
}

func TestValidate(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	r.SetStatusFunc(runningStatus)
	ctx := context.Background()

	s, err := r.Create(ctx, "c1", 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !r.Validate(s.ID, s.Token) {
		t.Error("valid credentials rejected")
	}
	if r.Validate(s.ID, "0000000000000000000000000000000000") {
		t.Error("wrong token accepted")
	}
	if r.Validate(s.ID+999, s.Token) {
		t.Error("unknown session ID accepted")
	}

	r.Close(ctx, s.ID)
	if r.Validate(s.ID, s.Token) {
		t.Error("closed session still validates")
	}
}

func TestValidateExpired(t *testing.T) {
	r := NewRegistry(time.Millisecond, nil)
	r.SetStatusFunc(runningStatus)

	s, err := r.Create(context.Background(), "c1", 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if r.Validate(s.ID, s.Token) {
		t.Error("expired session still validates")
	}
}

func TestPendingThenBind(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	s := r.CreatePending(ctx, 4, 9)
	if s.ContainerID != PendingContainer {
		t.Fatalf("containerID = %q, want pending", s.ContainerID)
	}
	if !r.Validate(s.ID, s.Token) {
		t.Error("pending session should validate")
	}

	r.BindContainer(ctx, s.ID, "c42")
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContainerID != "c42" {
		t.Errorf("containerID = %q after bind, want c42", got.ContainerID)
	}
}

func TestCloseByContainer(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(time.Hour, sink)
	r.SetStatusFunc(runningStatus)
	ctx := context.Background()

	a, _ := r.Create(ctx, "c1", 1, 0)
	b, _ := r.Create(ctx, "c1", 2, 0)
	other, _ := r.Create(ctx, "c2", 3, 0)

	closed := r.CloseByContainer(ctx, "c1")
	if len(closed) != 2 {
		t.Fatalf("closed %v, want both c1 sessions", closed)
	}
	if r.Validate(a.ID, a.Token) || r.Validate(b.ID, b.Token) {
		t.Error("c1 sessions still validate")
	}
	if !r.Validate(other.ID, other.Token) {
		t.Error("unrelated session was closed")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.closes) != 2 {
		t.Errorf("sink saw %d closes, want 2", len(sink.closes))
	}
}

func TestCloseIsFinal(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	s := r.CreatePending(ctx, 1, 0)
	r.Close(ctx, s.ID)
	r.Touch(ctx, s.ID)
	r.BindContainer(ctx, s.ID, "c9")

	if r.Validate(s.ID, s.Token) {
		t.Error("closed session was reactivated")
	}
}

func TestTouchMonotonic(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	s := r.CreatePending(ctx, 1, 0)
	r.Touch(ctx, s.ID)
	first, _ := r.Get(s.ID)
	time.Sleep(2 * time.Millisecond)
	r.Touch(ctx, s.ID)
	second, _ := r.Get(s.ID)

	if second.LastActivityAt.Before(first.LastActivityAt) {
		t.Error("lastActivityAt moved backwards")
	}
}

func TestActiveFor(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	s := r.CreatePending(ctx, 7, 3)
	r.CreatePending(ctx, 7, 4)
	r.CreatePending(ctx, 8, 3)

	got := r.ActiveFor(7, 3)
	if got == nil || got.ID != s.ID {
		t.Fatalf("ActiveFor(7,3) = %v, want session %d", got, s.ID)
	}
	if r.ActiveFor(7, 99) != nil {
		t.Error("found session for wrong match")
	}

	r.Close(ctx, s.ID)
	if r.ActiveFor(7, 3) != nil {
		t.Error("closed session reported active")
	}
}

func TestActiveLabSessions(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	r.CreatePending(ctx, 7, 0)
	r.CreatePending(ctx, 7, 0)
	r.CreatePending(ctx, 7, 5) // duel session, not a lab

	labs := r.ActiveLabSessions(7)
	if len(labs) != 2 {
		t.Fatalf("got %d lab sessions, want 2", len(labs))
	}
}

func TestSweep(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(time.Hour, sink)
	ctx := context.Background()

	stale := r.CreatePending(ctx, 1, 0)
	fresh := r.CreatePending(ctx, 2, 0)

	expired := r.Sweep(ctx, time.Now().Add(2*time.Hour))
	if len(expired) != 2 {
		t.Fatalf("swept %d, want 2", len(expired))
	}

	// A second sweep finds nothing; sessions are closed once.
	if again := r.Sweep(ctx, time.Now().Add(2*time.Hour)); len(again) != 0 {
		t.Errorf("second sweep returned %d sessions", len(again))
	}
	if r.Validate(stale.ID, stale.Token) || r.Validate(fresh.ID, fresh.Token) {
		t.Error("swept sessions still validate")
	}
}

func TestSweepSparesLiveSessions(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	ctx := context.Background()

	s := r.CreatePending(ctx, 1, 0)
	if expired := r.Sweep(ctx, time.Now()); len(expired) != 0 {
		t.Fatalf("swept %d live sessions", len(expired))
	}
	if !r.Validate(s.ID, s.Token) {
		t.Error("live session was invalidated by sweep")
	}
}
