package server

import (
	"sync"
	"time"
)

type typingKey struct {
	conversationId string
	userId         string
}

type typingEntry struct {
	timer *time.Timer
}

// typingTracker expires typing indicators whose stop never arrived. It is
// inert when ttl is not positive.
type typingTracker struct {
	ttl     time.Duration
	emit    func(userId string, msg ServerMessage)
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
}

func newTypingTracker(ttl time.Duration, emit func(string, ServerMessage)) *typingTracker {
	return &typingTracker{
		ttl:     ttl,
		emit:    emit,
		entries: make(map[typingKey]*typingEntry),
	}
}

// start (re)arms the expiry of userId's indicator shown to recipientId.
func (t *typingTracker) start(conversationId, userId, recipientId string) {
	if t.ttl <= 0 {
		return
	}

	key := typingKey{conversationId: conversationId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[key]; ok {
		prev.timer.Stop()
	}

	entry := &typingEntry{}
	entry.timer = time.AfterFunc(t.ttl, func() { t.expire(key, entry, recipientId) })
	t.entries[key] = entry
}

func (t *typingTracker) expire(key typingKey, entry *typingEntry, recipientId string) {
	t.mu.Lock()
	if t.entries[key] != entry {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	ev := newEvent()
	ev.UserStopTyping = &TypingEvent{
		ConversationId: key.conversationId,
		UserId:         key.userId,
	}
	t.emit(recipientId, ev)
}

func (t *typingTracker) clear(conversationId, userId string) {
	key := typingKey{conversationId: conversationId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[key]; ok {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}

// clearUser drops every indicator owned by userId.
func (t *typingTracker) clearUser(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		if key.userId == userId {
			entry.timer.Stop()
			delete(t.entries, key)
		}
	}
}

func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}
