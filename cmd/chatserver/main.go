package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/chirpy/chat-backend/internal/auth"
	"github.com/chirpy/chat-backend/internal/ban"
	"github.com/chirpy/chat-backend/internal/chat"
	"github.com/chirpy/chat-backend/internal/config"
	"github.com/chirpy/chat-backend/internal/httpapi"
	"github.com/chirpy/chat-backend/internal/messaging"
	"github.com/chirpy/chat-backend/internal/moderation"
	"github.com/chirpy/chat-backend/internal/ratelimit"
	"github.com/chirpy/chat-backend/internal/report"
	"github.com/chirpy/chat-backend/internal/users"
	"github.com/chirpy/chat-backend/internal/ws"
)

func main() {
	log.Println("Starting chirpy chat backend...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	issuer := auth.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL)

	userStore := users.NewStore()
	if cfg.SeedUsers {
		if err := userStore.Seed(); err != nil {
			log.Fatalf("seed users: %v", err)
		}
	}

	coord := chat.NewCoordinator(chat.Config{
		Retention:  cfg.Retention,
		QueueCap:   cfg.QueueCap,
		DrainGrace: cfg.DrainGrace,
		IdleWindow: cfg.IdleWindow,
	})
	coord.SetScreen(moderation.NewFilter().Screen)

	api := httpapi.NewServer(coord, issuer, userStore, httpapi.Config{
		KeepAlive: cfg.SSEKeepAlive,
	})

	wsHandler := ws.NewHandler(coord, issuer)
	api.SetWS(wsHandler)

	// --- Redis (rate limiting + bans) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		api.SetLimiter(ratelimit.NewLimiter(rdb))
		api.SetBans(ban.NewStore(rdb))
	}

	// --- NATS (message bus mirror) ---
	var natsClient *messaging.Client
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		coord.AddSink(natsClient)
	}

	// --- PostgreSQL (abuse reports) ---
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		if err := report.Migrate(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		api.SetReports(report.NewStore(db))
	}

	// Garbage-collect idle sessions in the background.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go coord.Registry().RunSweeper(sweepCtx, time.Minute, cfg.IdleWindow)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Routes(),
	}

	log.Printf("chirpy chat backend running")
	log.Printf("  listen_addr:  %s", cfg.ListenAddr)
	log.Printf("  token_ttl:    %s", cfg.TokenTTL)
	log.Printf("  retention:    %d", cfg.Retention)
	log.Printf("  queue_cap:    %d", cfg.QueueCap)
	log.Printf("  drain_grace:  %s", cfg.DrainGrace)
	log.Printf("  idle_window:  %s", cfg.IdleWindow)
	log.Printf("  redis_addr:   %s", orOff(cfg.RedisAddr))
	log.Printf("  nats_url:     %s", orOff(cfg.NATSURL))
	log.Printf("  database:     %s", orOff(boolLabel(db != nil)))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		wsHandler.CloseAll()
		if natsClient != nil {
			natsClient.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
		if db != nil {
			db.Close()
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func orOff(v string) string {
	if v == "" {
		return "(off)"
	}
	return v
}

func boolLabel(on bool) string {
	if on {
		return "configured"
	}
	return ""
}
