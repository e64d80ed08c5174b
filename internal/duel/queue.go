package duel

import (
	"errors"
	"sync"
	"time"

	"github.com/ctfarena/ctfarena/internal/metrics"
	"github.com/ctfarena/ctfarena/pkg/types"
)

// ErrAlreadyQueued is returned when a user joins the queue twice.
var ErrAlreadyQueued = errors.New("already in matchmaking queue")

// QueueTTL is how long a queue entry waits before being silently dropped.
const QueueTTL = 5 * time.Minute

// Queue is the in-memory matchmaking queue. It is authoritative: a
// restart empties the queue and players re-join. At most one entry per
// user exists at any time.
type Queue struct {
	mu      sync.Mutex
	entries map[int64]*types.QueueEntry
	order   []int64 // join order, FIFO
	ttl     time.Duration
}

// NewQueue creates an empty queue with the default entry TTL.
func NewQueue() *Queue {
	return &Queue{
		entries: make(map[int64]*types.QueueEntry),
		ttl:     QueueTTL,
	}
}

// Join enqueues the user. Duplicate joins fail with ErrAlreadyQueued and
// leave the original entry untouched.
func (q *Queue) Join(userID int64, prefs types.QueuePrefs) (*types.QueueEntry, error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(now)

	if _, ok := q.entries[userID]; ok {
		return nil, ErrAlreadyQueued
	}
	e := &types.QueueEntry{
		UserID:                 userID,
		JoinedAt:               now,
		Status:                 types.QueueWaiting,
		PreferredDifficulty:    prefs.PreferredDifficulty,
		PreferredChallengeType: prefs.PreferredChallengeType,
		ExpiresAt:              now.Add(q.ttl),
	}
	q.entries[userID] = e
	q.order = append(q.order, userID)
	metrics.QueueDepth.Set(float64(len(q.entries)))

	cp := *e
	return &cp, nil
}

// Leave removes the user's entry. Reports whether one existed.
func (q *Queue) Leave(userID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[userID]; !ok {
		return false
	}
	q.removeLocked(userID)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return true
}

// Entry returns a copy of the user's queue entry, if present and fresh.
func (q *Queue) Entry(userID int64) *types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(time.Now())
	e, ok := q.entries[userID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Len reports the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(time.Now())
	return len(q.entries)
}

// AttemptMatch removes and returns the earliest compatible pair, in join
// order. The whole pairing decision happens under the queue lock, so
// concurrent attempts can never hand out overlapping pairs.
func (q *Queue) AttemptMatch() (a, b types.QueueEntry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(time.Now())

	for i := 0; i < len(q.order); i++ {
		first := q.entries[q.order[i]]
		for j := i + 1; j < len(q.order); j++ {
			second := q.entries[q.order[j]]
			if !compatible(first, second) {
				continue
			}
			a, b = *first, *second
			q.removeLocked(a.UserID)
			q.removeLocked(b.UserID)
			metrics.QueueDepth.Set(float64(len(q.entries)))
			return a, b, true
		}
	}
	return types.QueueEntry{}, types.QueueEntry{}, false
}

// compatible reports whether two entries agree on preferences. An empty
// preference means "any" and matches everything.
func compatible(a, b *types.QueueEntry) bool {
	if a.PreferredDifficulty != "" && b.PreferredDifficulty != "" &&
		a.PreferredDifficulty != b.PreferredDifficulty {
		return false
	}
	if a.PreferredChallengeType != "" && b.PreferredChallengeType != "" &&
		a.PreferredChallengeType != b.PreferredChallengeType {
		return false
	}
	return true
}

func (q *Queue) pruneLocked(now time.Time) {
	for id, e := range q.entries {
		if now.After(e.ExpiresAt) {
			q.removeLocked(id)
		}
	}
}

func (q *Queue) removeLocked(userID int64) {
	delete(q.entries, userID)
	for i, id := range q.order {
		if id == userID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}
