package presence

import (
	"fmt"

	"github.com/npezzotti/go-supportchat/internal/database"
)

// Store is the durable "last seen" mirror of the registry.
type Store interface {
	database.PresenceStore
}

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// NewStore returns the durable store named by kind. The chat repository
// doubles as the presence store unless Redis is requested.
func NewStore(kind string, repo database.ChatRepository, redisURL string) (Store, error) {
	switch kind {
	case "", StorePostgres:
		return repo, nil
	case StoreRedis:
		return NewRedisStore(redisURL)
	}
	return nil, fmt.Errorf("unknown presence store %q", kind)
}
