package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-supportchat/internal/config"
	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/presence"
	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/types"
)

type SupportChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	presence       presence.Store
	mux            *http.Server
	cs             *server.ChatServer
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string
}

// NewSupportChatApp registers the REST and websocket routes on mux. The
// presence store defaults to db when nil.
func NewSupportChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository, ps presence.Store, cfg *config.Config) *SupportChatApp {
	if ps == nil {
		ps = db
	}

	s := &SupportChatApp{
		log:            logger,
		db:             db,
		presence:       ps,
		cs:             cs,
		validate:       types.NewValidator(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/session", s.identityMiddleware(s.session))
	mux.Handle("POST /api/conversations", s.identityMiddleware(s.createConversation))
	mux.Handle("GET /api/conversations", s.identityMiddleware(s.listConversations))
	mux.Handle("GET /api/conversations/{id}/messages", s.identityMiddleware(s.getMessages))
	mux.Handle("POST /api/conversations/{id}/messages", s.identityMiddleware(s.sendMessage))
	mux.Handle("POST /api/conversations/{id}/read", s.identityMiddleware(s.markRead))
	mux.Handle("GET /api/presence/{userId}", s.identityMiddleware(s.getPresence))
	mux.Handle("GET /api/users/available", s.identityMiddleware(s.availableUsers))
	mux.Handle("GET /ws", s.identityMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler is the fully wrapped handler that Start serves.
func (s *SupportChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *SupportChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *SupportChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
