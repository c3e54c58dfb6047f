package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
)

// Registry tracks which users currently hold a live connection. A user has
// at most one registered connection: the most recent one wins.
type Registry struct {
	mu    sync.Mutex
	users map[string]types.PresenceRecord
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]types.PresenceRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers handle as the user's live connection and returns the
// handle it replaced, if any.
func (r *Registry) Connect(userId string, role types.Role, handle string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.users[userId]
	r.users[userId] = types.PresenceRecord{
		UserId:           userId,
		Role:             role,
		IsOnline:         true,
		LastSeen:         r.now(),
		ConnectionHandle: handle,
	}

	if prev.IsOnline {
		return prev.ConnectionHandle
	}
	return ""
}

// Disconnect marks the user offline if handle is still the registered
// connection. Disconnects from replaced connections are ignored.
func (r *Registry) Disconnect(userId, handle string) (types.PresenceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userId]
	if !ok || !rec.IsOnline || rec.ConnectionHandle != handle {
		return rec, false
	}

	rec.IsOnline = false
	rec.LastSeen = r.now()
	rec.ConnectionHandle = ""
	r.users[userId] = rec
	return rec, true
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userId].IsOnline
}

func (r *Registry) Get(userId string) (types.PresenceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.users[userId]
	return rec, ok
}

// Snapshot returns the online users ordered by user id.
func (r *Registry) Snapshot() []types.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	online := make([]types.PresenceRecord, 0, len(r.users))
	for _, rec := range r.users {
		if rec.IsOnline {
			online = append(online, rec)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].UserId < online[j].UserId })
	return online
}

func (r *Registry) OnlineUserIDs() []string {
	snapshot := r.Snapshot()
	ids := make([]string, len(snapshot))
	for i, rec := range snapshot {
		ids[i] = rec.UserId
	}
	return ids
}
