package session

import (
	"sync"
	"time"

	"github.com/npezzotti/go-supportchat/internal/server"
)

const TypingTimeout = 3 * time.Second

// Typist debounces keystrokes in one conversation into a single typing /
// stop-typing pair per burst.
type Typist struct {
	mu             sync.Mutex
	emit           Emitter
	conversationId string
	recipientId    string
	timeout        time.Duration
	typing         bool
	timer          *time.Timer
	burst          int
}

func NewTypist(emit Emitter, conversationId, recipientId string) *Typist {
	return newTypist(emit, conversationId, recipientId, TypingTimeout)
}

func newTypist(emit Emitter, conversationId, recipientId string, timeout time.Duration) *Typist {
	return &Typist{
		emit:           emit,
		conversationId: conversationId,
		recipientId:    recipientId,
		timeout:        timeout,
	}
}

// KeyPress emits typing on the first keystroke of a burst and restarts the
// idle timer that ends it.
func (t *Typist) KeyPress() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.typing {
		t.typing = true
		t.burst++
		t.emit.Emit(&server.ClientMessage{
			Typing: &server.Typing{ConversationId: t.conversationId, RecipientId: t.recipientId},
		})
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	burst := t.burst
	t.timer = time.AfterFunc(t.timeout, func() { t.idle(burst) })
}

func (t *Typist) idle(burst int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// a timer that fired after Send or a newer burst has nothing to end
	if !t.typing || burst != t.burst {
		return
	}
	t.stopLocked()
}

// Send ends the current burst immediately, if there is one.
func (t *Typist) Send() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.typing {
		t.stopLocked()
	}
}

func (t *Typist) stopLocked() {
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.emit.Emit(&server.ClientMessage{
		StopTyping: &server.StopTyping{ConversationId: t.conversationId, RecipientId: t.recipientId},
	})
}
