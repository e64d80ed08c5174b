// Package session issues and validates terminal session tokens.
//
// The registry is the single owner of the in-memory session map. Rows are
// mirrored into the durable store best-effort; validation never consults
// the store.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/pkg/types"
)

// ErrSessionInvalid is the uniform failure for unknown, expired, inactive
// or token-mismatched sessions. It deliberately does not distinguish the
// cases.
var ErrSessionInvalid = errors.New("session invalid")

// PendingContainer marks a session whose container is still being
// provisioned (or failed to provision, leaving the session simulated).
const PendingContainer = "pending"

// DefaultTTL is the hard session lifetime.
const DefaultTTL = 2 * time.Hour

// StatusFunc reports a container's status; wired to the lifecycle manager.
type StatusFunc func(ctx context.Context, containerID string) types.ContainerStatus

// Sink receives best-effort mirror writes of session rows.
type Sink interface {
	UpsertSession(ctx context.Context, s *types.Session) error
	TouchSession(ctx context.Context, id int64, at time.Time) error
	CloseSession(ctx context.Context, id int64) error
}

// Registry owns all terminal sessions.
type Registry struct {
	ttl    time.Duration
	sink   Sink
	status StatusFunc

	mu     sync.Mutex
	byID   map[int64]*types.Session
	nextID int64
}

// NewRegistry creates a registry with the given TTL. sink may be nil.
func NewRegistry(ttl time.Duration, sink Sink) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:    ttl,
		sink:   sink,
		byID:   make(map[int64]*types.Session),
		nextID: time.Now().UnixMilli(),
	}
}

// SetStatusFunc wires the container status check used at mint time.
func (r *Registry) SetStatusFunc(f StatusFunc) {
	r.mu.Lock()
	r.status = f
	r.mu.Unlock()
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is not recoverable for token minting
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Create mints a session bound to an existing container. The container
// must be running at mint time.
func (r *Registry) Create(ctx context.Context, containerID string, userID, matchID int64) (*types.Session, error) {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	if status != nil && containerID != "" && containerID != PendingContainer {
		if st := status(ctx, containerID); st != types.ContainerRunning {
			return nil, engine.ErrContainerNotRunning
		}
	}
	return r.insert(ctx, containerID, userID, matchID), nil
}

// CreatePending mints a session before its container exists; the caller
// binds the container later with BindContainer, or never (simulated mode).
func (r *Registry) CreatePending(ctx context.Context, userID, matchID int64) *types.Session {
	return r.insert(ctx, PendingContainer, userID, matchID)
}

func (r *Registry) insert(ctx context.Context, containerID string, userID, matchID int64) *types.Session {
	now := time.Now()
	r.mu.Lock()
	r.nextID++
	s := &types.Session{
		ID:             r.nextID,
		Token:          newToken(),
		ContainerID:    containerID,
		UserID:         userID,
		MatchID:        matchID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
		LastActivityAt: now,
		Active:         true,
	}
	r.byID[s.ID] = s
	cp := *s
	r.mu.Unlock()

	r.mirror(ctx, &cp)
	return &cp
}

func (r *Registry) mirror(ctx context.Context, s *types.Session) {
	if r.sink == nil {
		return
	}
	if err := r.sink.UpsertSession(ctx, s); err != nil {
		log.Printf("session: mirror %d: %v", s.ID, err)
	}
}

// BindContainer attaches the provisioned container to a pending session.
func (r *Registry) BindContainer(ctx context.Context, id int64, containerID string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	var cp types.Session
	if ok {
		s.ContainerID = containerID
		cp = *s
	}
	r.mu.Unlock()
	if ok {
		r.mirror(ctx, &cp)
	}
}

// Validate reports whether (id, token) names a live session. The token
// comparison is constant-time and the outcome is uniform across unknown
// IDs, expired sessions and bad tokens.
func (r *Registry) Validate(id int64, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		// Burn a comparison anyway so unknown IDs cost the same.
		subtle.ConstantTimeCompare([]byte(token), []byte(token))
		return false
	}
	match := subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) == 1
	return match && s.Active && time.Now().Before(s.ExpiresAt)
}

// Get returns a copy of the session, or ErrSessionInvalid.
func (r *Registry) Get(id int64) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionInvalid
	}
	cp := *s
	return &cp, nil
}

// Touch records activity on the session.
func (r *Registry) Touch(ctx context.Context, id int64) {
	now := time.Now()
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok && now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	r.mu.Unlock()
	if ok && r.sink != nil {
		if err := r.sink.TouchSession(ctx, id, now); err != nil {
			log.Printf("session: touch mirror %d: %v", id, err)
		}
	}
}

// Close marks the session inactive. Closed sessions are never reactivated.
func (r *Registry) Close(ctx context.Context, id int64) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		s.Active = false
	}
	r.mu.Unlock()
	if ok && r.sink != nil {
		if err := r.sink.CloseSession(ctx, id); err != nil {
			log.Printf("session: close mirror %d: %v", id, err)
		}
	}
}

// CloseByContainer invalidates every session bound to the container and
// returns the affected session IDs. Used by the lifecycle manager's stop
// cascade.
func (r *Registry) CloseByContainer(ctx context.Context, containerID string) []int64 {
	var closed []int64
	r.mu.Lock()
	for id, s := range r.byID {
		if s.ContainerID == containerID && s.Active {
			s.Active = false
			closed = append(closed, id)
		}
	}
	r.mu.Unlock()

	if r.sink != nil {
		for _, id := range closed {
			if err := r.sink.CloseSession(ctx, id); err != nil {
				log.Printf("session: close mirror %d: %v", id, err)
			}
		}
	}
	return closed
}

// ActiveFor returns the user's live session for the given match context,
// enabling reconnect-to-existing instead of spawning duplicates.
func (r *Registry) ActiveFor(userID, matchID int64) *types.Session {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.UserID == userID && s.MatchID == matchID && s.Active && now.Before(s.ExpiresAt) {
			cp := *s
			return &cp
		}
	}
	return nil
}

// ActiveLabSessions returns the user's live lab sessions (matchID 0).
func (r *Registry) ActiveLabSessions(userID int64) []types.Session {
	now := time.Now()
	var out []types.Session
	r.mu.Lock()
	for _, s := range r.byID {
		if s.UserID == userID && s.MatchID == 0 && s.Active && now.Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()
	return out
}

// Sweep closes sessions past their TTL and returns them so callers can
// decide about container teardown. Safe to run concurrently with live
// bridges; a bridge notices on its next touch/validate.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []types.Session {
	var expired []types.Session
	r.mu.Lock()
	for _, s := range r.byID {
		if s.Active && now.After(s.ExpiresAt) {
			s.Active = false
			expired = append(expired, *s)
		}
	}
	r.mu.Unlock()

	if r.sink != nil {
		for i := range expired {
			if err := r.sink.CloseSession(ctx, expired[i].ID); err != nil {
				log.Printf("session: close mirror %d: %v", expired[i].ID, err)
			}
		}
	}
	return expired
}
