package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	PresenceRepository = "postgres"
	PresenceRedis      = "redis"

	DefaultStoreTimeout  = 5 * time.Second
	DefaultSweepSchedule = "@every 1m"
)

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	StoreTimeout   time.Duration
	TypingTTL      time.Duration
	PresenceStore  string
	RedisURL       string
	SweepSchedule  string
}

// Params holds configuration as it arrives from flags and the environment.
type Params struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	SigningKey     string
	AllowedOrigins []string
	StoreTimeout   time.Duration
	TypingTTL      time.Duration
	PresenceStore  string
	RedisURL       string
	SweepSchedule  string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch p.Store {
	case StoreMemory:
	case StorePostgres:
		if p.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store %q", p.Store)
	}

	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	storeTimeout := p.StoreTimeout
	if storeTimeout == 0 {
		storeTimeout = DefaultStoreTimeout
	}
	if storeTimeout < 0 {
		return nil, fmt.Errorf("store timeout cannot be negative")
	}

	if p.TypingTTL < 0 {
		return nil, fmt.Errorf("typing TTL cannot be negative")
	}

	presenceStore := p.PresenceStore
	switch presenceStore {
	case "", PresenceRepository:
		presenceStore = PresenceRepository
	case PresenceRedis:
		if p.RedisURL == "" {
			return nil, fmt.Errorf("redis URL cannot be empty for the redis presence store")
		}
	default:
		return nil, fmt.Errorf("unknown presence store %q", p.PresenceStore)
	}

	schedule := p.SweepSchedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		Store:          p.Store,
		DatabaseDSN:    p.DatabaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: p.AllowedOrigins,
		StoreTimeout:   storeTimeout,
		TypingTTL:      p.TypingTTL,
		PresenceStore:  presenceStore,
		RedisURL:       p.RedisURL,
		SweepSchedule:  schedule,
	}, nil
}
