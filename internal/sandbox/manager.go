// Package sandbox owns the lifecycle of arena containers.
//
// The manager is the only component holding a live engine handle; every
// other component reaches containers through session or ownership
// indirection. Its in-memory registry is the source of truth for "is this
// container ours".
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/internal/metrics"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

// Owner identifies who a container is provisioned for.
type Owner struct {
	UserID    int64
	MatchID   int64
	SessionID int64
}

// Manager creates, tracks and garbage-collects arena containers.
type Manager struct {
	eng      engine.Engine // nil when the runtime is unavailable
	sessions *session.Registry

	mu         sync.Mutex
	containers map[string]types.ContainerInfo
}

// NewManager creates a manager. eng may be nil, in which case every
// create reports ErrRuntimeUnavailable and callers fall back to
// simulated sessions.
func NewManager(eng engine.Engine, sessions *session.Registry) *Manager {
	m := &Manager{
		eng:        eng,
		sessions:   sessions,
		containers: make(map[string]types.ContainerInfo),
	}
	sessions.SetStatusFunc(m.Status)
	return m
}

func ownerLabels(o Owner) map[string]string {
	return map[string]string{
		types.LabelApp:       types.LabelAppValue,
		types.LabelUserID:    strconv.FormatInt(o.UserID, 10),
		types.LabelMatchID:   strconv.FormatInt(o.MatchID, 10),
		types.LabelSessionID: strconv.FormatInt(o.SessionID, 10),
	}
}

// Create provisions and starts a container from image, labels it with the
// owner, and registers it. The name embeds owner and a short random
// suffix for traceability.
func (m *Manager) Create(ctx context.Context, image string, owner Owner) (*types.ContainerInfo, error) {
	if m.eng == nil {
		return nil, engine.ErrRuntimeUnavailable
	}

	name := fmt.Sprintf("arena-%d-%d-%s", owner.UserID, owner.MatchID, uuid.New().String()[:8])
	start := time.Now()

	id, err := m.eng.Create(ctx, engine.CreateSpec{
		Image:  image,
		Name:   name,
		Labels: ownerLabels(owner),
	})
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := m.eng.Start(ctx, id); err != nil {
		_ = m.eng.Stop(ctx, id)
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	info := types.ContainerInfo{
		ID:        id,
		Name:      name,
		Image:     image,
		Status:    types.ContainerRunning,
		CreatedAt: time.Now(),
		UserID:    owner.UserID,
		MatchID:   owner.MatchID,
		SessionID: owner.SessionID,
	}
	if detail, err := m.eng.Inspect(ctx, id); err == nil {
		info.IPAddress = detail.IPAddress
		info.Status = types.ContainerStatus(detail.State)
	}

	m.mu.Lock()
	m.containers[id] = info
	count := len(m.containers)
	m.mu.Unlock()

	metrics.ContainersActive.Set(float64(count))
	metrics.EngineOpDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	log.Printf("sandbox: created container %s (%s) for user %d match %d", name, short(id), owner.UserID, owner.MatchID)

	cp := info
	return &cp, nil
}

// Stop stops and deregisters a container. Idempotent: unknown containers
// return false without error. Session invalidation happens before the
// engine call so no window exists where a session is valid but its
// container is gone.
func (m *Manager) Stop(ctx context.Context, containerID string) bool {
	m.mu.Lock()
	_, known := m.containers[containerID]
	if known {
		delete(m.containers, containerID)
	}
	count := len(m.containers)
	m.mu.Unlock()

	if !known {
		return false
	}
	metrics.ContainersActive.Set(float64(count))

	closed := m.sessions.CloseByContainer(ctx, containerID)
	if len(closed) > 0 {
		log.Printf("sandbox: stop %s invalidated sessions %v", short(containerID), closed)
	}

	if m.eng != nil {
		start := time.Now()
		if err := m.eng.Stop(ctx, containerID); err != nil {
			// Already-stopped or vanished containers are not failures.
			log.Printf("sandbox: stop %s: %v", short(containerID), err)
		}
		metrics.EngineOpDuration.WithLabelValues("stop").Observe(time.Since(start).Seconds())
	}
	return true
}

// Status is a read-through to the engine. It never errors: unreachable or
// absent containers report not_found.
func (m *Manager) Status(ctx context.Context, containerID string) types.ContainerStatus {
	if m.eng == nil || containerID == "" || containerID == session.PendingContainer {
		return types.ContainerNotFound
	}
	detail, err := m.eng.Inspect(ctx, containerID)
	if err != nil {
		return types.ContainerNotFound
	}
	return types.ContainerStatus(detail.State)
}

// Attach connects to the container's live TTY stream.
func (m *Manager) Attach(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	if m.eng == nil {
		return nil, engine.ErrRuntimeUnavailable
	}
	return m.eng.Attach(ctx, containerID)
}

// ListOwned enumerates containers carrying the arena's app label,
// optionally including stopped ones.
func (m *Manager) ListOwned(ctx context.Context, all bool) ([]types.ContainerInfo, error) {
	if m.eng == nil {
		return nil, engine.ErrRuntimeUnavailable
	}
	entries, err := m.eng.List(ctx, types.LabelApp+"="+types.LabelAppValue, all)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]types.ContainerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, summaryToInfo(e))
	}
	return out, nil
}

// ListForUser filters ListOwned down to one user's containers.
func (m *Manager) ListForUser(ctx context.Context, userID int64) ([]types.ContainerInfo, error) {
	entries, err := m.ListOwned(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []types.ContainerInfo
	for _, e := range entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tracked returns the registry's view of a container, if it is ours.
func (m *Manager) Tracked(containerID string) (types.ContainerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.containers[containerID]
	return info, ok
}

// Cleanup stops every tracked container older than maxAge and reports how
// many were removed. The cutoff is captured up front so containers
// created after the sweep starts survive it.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for id, info := range m.containers {
		if info.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if m.Stop(ctx, id) {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("sandbox: cleanup removed %d containers older than %s", removed, maxAge)
	}
	return removed
}

// StopAll tears down every tracked container; used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.Cleanup(ctx, 0)
}

func summaryToInfo(e engine.Summary) types.ContainerInfo {
	info := types.ContainerInfo{
		ID:        e.ID,
		Name:      e.Name,
		Image:     e.Image,
		Status:    types.ContainerStatus(e.State),
		CreatedAt: e.CreatedAt,
		Labels:    e.Labels,
	}
	info.UserID, _ = strconv.ParseInt(e.Labels[types.LabelUserID], 10, 64)
	info.MatchID, _ = strconv.ParseInt(e.Labels[types.LabelMatchID], 10, 64)
	info.SessionID, _ = strconv.ParseInt(e.Labels[types.LabelSessionID], 10, 64)
	return info
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
