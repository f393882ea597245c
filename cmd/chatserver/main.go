package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/roomchat/internal/api"
	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/live"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/store"
	"github.com/whisper/roomchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := ws.RaiseFileLimit(uint64(cfg.MaxConnections) + 1024); err != nil {
		log.Printf("could not raise file limit: %v", err)
	} else if n > 0 {
		log.Printf("file limit: %d", n)
	}

	// --- Durable store ---
	var (
		chatStore chat.Store
		db        *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := store.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		chatStore = store.NewPostgres(db)
	} else {
		log.Printf("DATABASE_URL not set, using the in-memory store")
		chatStore = store.NewMemory()
	}

	hub := live.NewHub(live.Config{TypingTimeout: cfg.TypingTimeout})

	// --- Redis: session mirror and rate limits ---
	var (
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		hub.SetPresenceObserver(sessionStore)
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	} else {
		log.Printf("REDIS_ADDR not set, session mirror and rate limiting disabled")
	}

	// --- NATS: post-commit event relay ---
	var (
		natsClient *messaging.NATSClient
		relay      live.RoomRelay
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		relay = natsClient
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	opts := []chat.Option{chat.WithPublisher(live.NewFanout(hub, relay))}
	deps := ws.Deps{Hub: hub, Verifier: verifier}

	if limiter != nil {
		msgRule := ratelimit.RuleMessage
		msgRule.Limit = cfg.MessageRate
		msgRule.Window = cfg.MessageRateWindow
		msgLimit := limiter.For(msgRule)

		opts = append(opts, chat.WithRateLimiter(msgLimit))
		deps.MessageLimit = msgLimit
		deps.TypingLimit = limiter.For(ratelimit.RuleTyping)
		deps.ConnectLimit = limiter.For(ratelimit.RuleConnect)
		deps.Sessions = sessionStore
	}

	svc := chat.NewService(chatStore, opts...)
	deps.Chat = svc

	wsConfig := ws.DefaultServerConfig()
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.HandshakeTimeout = cfg.HandshakeTimeout
	wsConfig.SendBuffer = cfg.SendBuffer
	wsConfig.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	wsServer := ws.NewServer(wsConfig, deps)
	wsServer.Start()

	presence := api.Presence{Hub: hub}
	if sessionStore != nil {
		presence.Mirror = sessionStore
	}
	apiHandler := api.NewHandler(svc, verifier, func() (int, time.Duration) {
		return wsServer.Connections().Count(), wsServer.Uptime()
	}, presence)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Room chat server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  server_name:      %s", cfg.ServerName)
	log.Printf("  store:            %s", storeName(db))
	log.Printf("  redis_addr:       %s", orNone(cfg.RedisAddr))
	log.Printf("  nats_url:         %s", orNone(cfg.NATSURL))
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  typing_timeout:   %s", cfg.TypingTimeout)
	log.Printf("  message_rate:     %d per %s", cfg.MessageRate, cfg.MessageRateWindow)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, shutting down...")
	case err := <-errCh:
		log.Printf("http server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	// Hijacked WebSocket connections are not covered by http.Server.Shutdown.
	wsServer.Shutdown()

	if natsClient != nil {
		natsClient.Close()
	}
	if sessionStore != nil {
		sessionStore.Close()
	}
	if db != nil {
		db.Close()
	}
	log.Printf("server stopped")
}

func storeName(db *sql.DB) string {
	if db != nil {
		return "postgres"
	}
	return "memory"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
