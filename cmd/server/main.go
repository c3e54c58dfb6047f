package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-supportchat/internal/api"
	"github.com/npezzotti/go-supportchat/internal/config"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/presence"
	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(logger *log.Logger, key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func main() {
	logger := log.New(os.Stderr, "[supportchat] ", log.LstdFlags)

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	var (
		p              config.Params
		allowedOrigins stringSliceFlag
	)

	flag.StringVar(&p.ServerAddr, "addr", env("SUPPORTCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&p.Store, "store", env("SUPPORTCHAT_STORE", config.StorePostgres), "chat store: memory or postgres")
	flag.StringVar(&p.DatabaseDSN, "dsn", env("SUPPORTCHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&p.SigningKey, "signing-key", env("SUPPORTCHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&p.StoreTimeout, "store-timeout", envDuration(logger, "SUPPORTCHAT_STORE_TIMEOUT", config.DefaultStoreTimeout), "timeout for a single store call")
	flag.DurationVar(&p.TypingTTL, "typing-ttl", envDuration(logger, "SUPPORTCHAT_TYPING_TTL", 0), "end typing indicators after this long without a stop (0 disables)")
	flag.StringVar(&p.PresenceStore, "presence-store", env("SUPPORTCHAT_PRESENCE_STORE", config.PresenceRepository), "presence store: postgres or redis")
	flag.StringVar(&p.RedisURL, "redis-url", env("SUPPORTCHAT_REDIS_URL", ""), "redis URL for the presence store")
	flag.StringVar(&p.SweepSchedule, "sweep-schedule", env("SUPPORTCHAT_SWEEP_SCHEDULE", config.DefaultSweepSchedule), "cron schedule of the stale presence sweep")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := env("SUPPORTCHAT_ALLOWED_ORIGINS", ""); v != "" {
			allowedOrigins.Set(v)
		}
	}
	p.AllowedOrigins = allowedOrigins

	cfg, err := config.NewConfig(p)
	if err != nil {
		logger.Fatal("config:", err)
	}

	repo, err := openRepository(logger, cfg)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	presenceStore, err := presence.NewStore(cfg.PresenceStore, repo, cfg.RedisURL)
	if err != nil {
		logger.Fatal("presence store:", err)
	}
	if rs, ok := presenceStore.(*presence.RedisStore); ok {
		defer rs.Close()
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, repo, statsUpdater, server.Options{
		PresenceStore: presenceStore,
		TypingTTL:     cfg.TypingTTL,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	sweeper, err := presence.NewSweeper(logger, chatServer.Registry(), presenceStore, cfg.SweepSchedule, cfg.StoreTimeout)
	if err != nil {
		logger.Fatal("presence sweeper:", err)
	}

	srv := api.NewSupportChatApp(mux, logger, chatServer, repo, presenceStore, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	sweeper.Start()
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func openRepository(logger *log.Logger, cfg *config.Config) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Println("using in-memory store, data will not survive a restart")
		return database.NewMemoryChatRepository(), nil
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN, cfg.StoreTimeout)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
