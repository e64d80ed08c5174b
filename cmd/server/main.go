package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ctfarena/ctfarena/internal/analytics"
	"github.com/ctfarena/ctfarena/internal/api"
	"github.com/ctfarena/ctfarena/internal/auth"
	"github.com/ctfarena/ctfarena/internal/config"
	"github.com/ctfarena/ctfarena/internal/db"
	"github.com/ctfarena/ctfarena/internal/duel"
	"github.com/ctfarena/ctfarena/internal/duellog"
	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/internal/events"
	"github.com/ctfarena/ctfarena/internal/leaderboard"
	"github.com/ctfarena/ctfarena/internal/sandbox"
	"github.com/ctfarena/ctfarena/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// Container runtime is optional; without it every terminal falls
	// back to the simulated shell.
	var eng engine.Engine
	dockerEng, err := engine.NewDockerEngine(ctx)
	if err != nil {
		log.Printf("ctfarena: container runtime not available (simulated terminals only): %v", err)
	} else {
		eng = dockerEng
		defer dockerEng.Close()
		log.Println("ctfarena: container runtime connected")
	}

	// PostgreSQL is optional; without it state lives in memory and is
	// lost on restart.
	var store duel.Store
	var sink session.Sink
	if cfg.DatabaseURL != "" {
		pgStore, err := db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pgStore.Close()

		log.Println("ctfarena: running database migrations...")
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Println("ctfarena: database migrations complete")

		store = pgStore
		sink = pgStore
	} else {
		log.Println("ctfarena: no DATABASE_URL configured, using in-memory store")
		store = duel.NewMemStore()
	}

	sessions := session.NewRegistry(cfg.SessionTTL(), sink)
	manager := sandbox.NewManager(eng, sessions)

	// Match event log on local SQLite.
	logs, err := duellog.Open(cfg.DataDir)
	if err != nil {
		log.Printf("ctfarena: match log not available: %v (continuing without)", err)
	} else {
		defer logs.Close()
		log.Printf("ctfarena: match log at %s", cfg.DataDir)
	}

	// Redis leaderboard mirror (optional).
	var board *leaderboard.Board
	if cfg.RedisURL != "" {
		board, err = leaderboard.New(cfg.RedisURL)
		if err != nil {
			log.Printf("ctfarena: Redis not available: %v (leaderboard served from store)", err)
		} else {
			defer board.Close()
			log.Println("ctfarena: Redis leaderboard connected")
		}
	}

	// NATS JetStream event publisher (optional).
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("ctfarena: NATS not available: %v (continuing without events)", err)
		} else {
			defer publisher.Close()
			log.Println("ctfarena: NATS event publisher connected")
		}
	}

	// Segment analytics (optional).
	tracker := analytics.New(cfg.SegmentWriteKey)
	if tracker != nil {
		defer tracker.Close()
		log.Println("ctfarena: Segment analytics configured")
	}

	duels := duel.NewService(duel.ServiceConfig{
		Store:     store,
		Manager:   manager,
		Sessions:  sessions,
		Logs:      logs,
		Board:     board,
		Events:    publisher,
		Analytics: tracker,
		DuelImage: cfg.DuelImage,
	})
	duels.StartMatchmaker(time.Duration(cfg.MatchmakerTickSec) * time.Second)

	// Background reaper for expired sessions and stale containers.
	reaperStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.CleanupIntervalMin) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range sessions.Sweep(ctx, time.Now()) {
					if s.ContainerID != "" && s.ContainerID != session.PendingContainer {
						manager.Stop(ctx, s.ContainerID)
					}
					publisher.SessionEvent("expired", s.UserID, s.MatchID)
				}
				if n := manager.Cleanup(ctx, cfg.ContainerMaxAge()); n > 0 {
					log.Printf("ctfarena: reaped %d stale containers", n)
				}
			case <-reaperStop:
				return
			}
		}
	}()

	server := api.NewServer(api.Deps{
		Manager:   manager,
		Sessions:  sessions,
		Duels:     duels,
		Store:     store,
		Issuer:    auth.NewJWTIssuer(cfg.JWTSecret),
		APIKey:    cfg.APIKey,
		DuelImage: cfg.DuelImage,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("ctfarena: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("ctfarena: shutting down...")
	close(reaperStop)
	duels.StopMatchmaker()
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
	manager.StopAll(ctx)
}
