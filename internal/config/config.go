// Package config loads the chat server's settings from the environment,
// optionally pre-seeded from .env.local and .env files in the working
// directory. Variables already set in the environment take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the chat server.
type Config struct {
	ListenAddr string // HTTP and WebSocket listen address
	JWTSecret  string // shared HMAC secret of the session service
	ServerName string // identifies this instance in the Redis session mirror

	DatabaseURL   string // empty selects the in-memory store
	RedisAddr     string // empty disables the session mirror and rate limiting
	RedisPassword string
	NATSURL       string // empty disables the event relay

	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	TypingTimeout     time.Duration
	SendBuffer        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	MessageRate       int           // messages allowed per window and user
	MessageRateWindow time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		ServerName:        "chat-1",
		MaxConnections:    100000,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		TypingTimeout:     5 * time.Second,
		SendBuffer:        256,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		MessageRate:       10,
		MessageRateWindow: 10 * time.Second,
	}
}

// Load reads the configuration. It fails when JWT_SECRET is missing or a
// numeric or duration variable cannot be parsed.
func Load() (Config, error) {
	// Missing files are fine; Load never overrides variables already set,
	// so .env.local wins over .env.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg := Default()
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		cfg.ServerName = hostname
	}

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.ServerName, "SERVER_NAME")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.NATSURL, "NATS_URL")

	errs := []error{
		setInt(&cfg.MaxConnections, "MAX_CONNECTIONS"),
		setInt(&cfg.SendBuffer, "SEND_BUFFER"),
		setInt(&cfg.MessageRate, "MESSAGE_RATE"),
		setDuration(&cfg.ReadTimeout, "READ_TIMEOUT"),
		setDuration(&cfg.WriteTimeout, "WRITE_TIMEOUT"),
		setDuration(&cfg.HandshakeTimeout, "HANDSHAKE_TIMEOUT"),
		setDuration(&cfg.TypingTimeout, "TYPING_TIMEOUT"),
		setDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL"),
		setDuration(&cfg.HeartbeatTimeout, "HEARTBEAT_TIMEOUT"),
		setDuration(&cfg.MessageRateWindow, "MESSAGE_RATE_WINDOW"),
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: expected a positive integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: expected a positive duration, got %q", key, v)
	}
	*dst = d
	return nil
}
