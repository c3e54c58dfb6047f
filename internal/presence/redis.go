package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/npezzotti/go-supportchat/internal/database"
	"github.com/npezzotti/go-supportchat/internal/types"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "supportchat:presence:"
	onlineSetKey = keyPrefix + "online"
)

func userKey(userId string) string {
	return keyPrefix + "user:" + userId
}

func roleKey(role types.Role) string {
	return keyPrefix + "role:" + string(role)
}

// markOfflineScript flips a user offline unless a different connection owns
// the record. ARGV: handle ('' matches any), last seen, user id.
var markOfflineScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'is_online') ~= '1' then
	return 0
end
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'handle') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'is_online', '0', 'last_seen', ARGV[2], 'handle', '')
redis.call('SREM', KEYS[2], ARGV[3])
return 1
`)

// RedisStore keeps presence records in Redis: one hash per user, one set of
// user ids per role and a set of online user ids.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis: url is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{client: c}, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) UpsertPresence(ctx context.Context, rec types.PresenceRecord) error {
	online := "0"
	if rec.IsOnline {
		online = "1"
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, userKey(rec.UserId),
			"role", string(rec.Role),
			"is_online", online,
			"last_seen", rec.LastSeen.UTC().Format(time.RFC3339Nano),
			"handle", rec.ConnectionHandle,
		)
		for _, role := range types.Roles {
			if role != rec.Role {
				pipe.SRem(ctx, roleKey(role), rec.UserId)
			}
		}
		pipe.SAdd(ctx, roleKey(rec.Role), rec.UserId)
		if rec.IsOnline {
			pipe.SAdd(ctx, onlineSetKey, rec.UserId)
		} else {
			pipe.SRem(ctx, onlineSetKey, rec.UserId)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: upsert presence: %w", err)
	}
	return nil
}

func (r *RedisStore) markOffline(ctx context.Context, userId, handle string, lastSeen time.Time) (bool, error) {
	n, err := markOfflineScript.Run(ctx, r.client,
		[]string{userKey(userId), onlineSetKey},
		handle,
		lastSeen.UTC().Format(time.RFC3339Nano),
		userId,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: mark offline: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) MarkOffline(ctx context.Context, userId, handle string, lastSeen time.Time) error {
	_, err := r.markOffline(ctx, userId, handle, lastSeen)
	return err
}

func (r *RedisStore) GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error) {
	fields, err := r.client.HGetAll(ctx, userKey(userId)).Result()
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("redis: get presence: %w", err)
	}
	if len(fields) == 0 {
		return types.PresenceRecord{}, fmt.Errorf("presence %q: %w", userId, database.ErrNotFound)
	}
	return parseRecord(userId, fields)
}

func parseRecord(userId string, fields map[string]string) (types.PresenceRecord, error) {
	lastSeen, err := time.Parse(time.RFC3339Nano, fields["last_seen"])
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("redis: presence %q: last_seen: %w", userId, err)
	}
	online, err := strconv.ParseBool(fields["is_online"])
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("redis: presence %q: is_online: %w", userId, err)
	}
	return types.PresenceRecord{
		UserId:           userId,
		Role:             types.Role(fields["role"]),
		IsOnline:         online,
		LastSeen:         lastSeen,
		ConnectionHandle: fields["handle"],
	}, nil
}

func (r *RedisStore) ListPresenceByRoles(ctx context.Context, roles []types.Role) ([]types.PresenceRecord, error) {
	var ids []string
	for _, role := range roles {
		members, err := r.client.SMembers(ctx, roleKey(role)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: list role %q: %w", role, err)
		}
		ids = append(ids, members...)
	}
	sort.Strings(ids)
	ids = slices.Compact(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, userKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: list presence: %w", err)
	}

	records := make([]types.PresenceRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *RedisStore) MarkOfflineExcept(ctx context.Context, onlineUserIds []string, lastSeen time.Time) (int, error) {
	members, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: list online: %w", err)
	}

	var n int
	for _, id := range members {
		if slices.Contains(onlineUserIds, id) {
			continue
		}
		changed, err := r.markOffline(ctx, id, "", lastSeen)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}
