// Package leaderboard mirrors duel ratings into a Redis sorted set for
// cheap ranked reads. The durable store stays authoritative; Redis is a
// cache that is rebuilt write-through as results land.
package leaderboard

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const ratingsKey = "arena:duel:ratings"

// Entry is one ranked row.
type Entry struct {
	UserID int64
	Rating int
}

// Board is the Redis-backed rating index. A nil *Board is valid: writes
// are dropped and reads report empty, letting callers fall back to the
// durable store.
type Board struct {
	rdb *redis.Client
}

// New connects to Redis and verifies connectivity.
func New(redisURL string) (*Board, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Board{rdb: rdb}, nil
}

// Close releases the connection.
func (b *Board) Close() {
	if b == nil {
		return
	}
	b.rdb.Close()
}

// SetRating records a player's current rating.
func (b *Board) SetRating(ctx context.Context, userID int64, rating int) {
	if b == nil {
		return
	}
	err := b.rdb.ZAdd(ctx, ratingsKey, redis.Z{
		Score:  float64(rating),
		Member: strconv.FormatInt(userID, 10),
	}).Err()
	if err != nil {
		log.Printf("leaderboard: zadd user %d: %v", userID, err)
	}
}

// Top returns the n highest-rated players, best first. Empty on a nil
// board or Redis trouble.
func (b *Board) Top(ctx context.Context, n int) []Entry {
	if b == nil || n <= 0 {
		return nil
	}
	rows, err := b.rdb.ZRevRangeWithScores(ctx, ratingsKey, 0, int64(n-1)).Result()
	if err != nil {
		log.Printf("leaderboard: zrevrange: %v", err)
		return nil
	}
	out := make([]Entry, 0, len(rows))
	for _, z := range rows {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Entry{UserID: id, Rating: int(z.Score)})
	}
	return out
}
