package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/teris-io/shortid"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"

	defaultQueryTimeout = 5 * time.Second
)

type PgChatRepository struct {
	conn         *sql.DB
	queryTimeout time.Duration
	newId        func() (string, error)
}

func NewPgChatRepository(dsn string, queryTimeout time.Duration) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgChatRepository{
		conn:         db,
		queryTimeout: queryTimeout,
		newId:        shortid.Generate,
	}, nil
}

// Migrate brings the schema up to date.
func (db *PgChatRepository) Migrate() error {
	return Migrate(db.conn)
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// withTimeout bounds every store call by the store's own query timeout.
func (db *PgChatRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

func pgErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}
