package types

import (
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleSubmitter     Role = "submitter"
	RoleManagerA      Role = "manager-a"
	RoleManagerB      Role = "manager-b"
	RoleAdministrator Role = "administrator"
)

var Roles = []Role{RoleSubmitter, RoleManagerA, RoleManagerB, RoleAdministrator}

func (r Role) Valid() bool {
	switch r {
	case RoleSubmitter, RoleManagerA, RoleManagerB, RoleAdministrator:
		return true
	}
	return false
}

// Counterparts returns the roles a user with role r may open conversations with.
func (r Role) Counterparts() []Role {
	switch r {
	case RoleSubmitter, RoleAdministrator:
		return []Role{RoleManagerA, RoleManagerB}
	case RoleManagerA, RoleManagerB:
		return []Role{RoleSubmitter, RoleAdministrator}
	}
	return nil
}

type Participant struct {
	UserId string `json:"user_id"`
	Role   Role   `json:"role"`
}

var (
	ErrEmptyUserId      = errors.New("participant user id cannot be empty")
	ErrInvalidRole      = errors.New("invalid participant role")
	ErrSameParticipants = errors.New("conversation participants must be distinct")
)

func (p Participant) Validate() error {
	if p.UserId == "" {
		return ErrEmptyUserId
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	return nil
}

// Pair is the normalized, unordered participant pair of a conversation.
// Low always holds the lexically smaller user id.
type Pair struct {
	Low  Participant
	High Participant
}

// NewPair validates a and b and returns them in canonical order, so that
// NewPair(a, b) == NewPair(b, a).
func NewPair(a, b Participant) (Pair, error) {
	if err := a.Validate(); err != nil {
		return Pair{}, err
	}
	if err := b.Validate(); err != nil {
		return Pair{}, err
	}
	if a.UserId == b.UserId {
		return Pair{}, ErrSameParticipants
	}
	if b.UserId < a.UserId {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

func (p Pair) Key() string {
	return p.Low.UserId + "\x00" + p.High.UserId
}

func (p Pair) Participants() []Participant {
	return []Participant{p.Low, p.High}
}

type LastMessage struct {
	Content   string    `json:"content"`
	SenderId  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	Id           string         `json:"id"`
	Participants []Participant  `json:"participants"`
	LastMessage  *LastMessage   `json:"last_message,omitempty"`
	UnreadCount  map[string]int `json:"unread_count"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userId string) bool {
	_, ok := c.Participant(userId)
	return ok
}

func (c *Conversation) Participant(userId string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserId == userId {
			return p, true
		}
	}
	return Participant{}, false
}

// Other returns the participant that is not userId.
func (c *Conversation) Other(userId string) (Participant, bool) {
	if !c.HasParticipant(userId) {
		return Participant{}, false
	}
	for _, p := range c.Participants {
		if p.UserId != userId {
			return p, true
		}
	}
	return Participant{}, false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// CanAdvanceTo reports whether s -> next moves forward along
// sent -> delivered -> read. Staying in place is not an advance.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

type Message struct {
	Id             int64         `json:"id"`
	ConversationId string        `json:"conversation_id"`
	SenderId       string        `json:"sender_id"`
	SenderRole     Role          `json:"sender_role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Advance moves the message to next, stamping the matching timestamp once.
// It returns false and leaves the message untouched for non-forward moves.
func (m *Message) Advance(next MessageStatus, at time.Time) bool {
	if !m.Status.CanAdvanceTo(next) {
		return false
	}
	switch next {
	case StatusDelivered:
		m.DeliveredAt = &at
	case StatusRead:
		m.ReadAt = &at
	}
	m.Status = next
	return true
}

type PresenceRecord struct {
	UserId           string    `json:"user_id"`
	Role             Role      `json:"role"`
	IsOnline         bool      `json:"is_online"`
	LastSeen         time.Time `json:"last_seen"`
	ConnectionHandle string    `json:"-"`
}

// ReadReceipt describes the outcome of a bulk mark-read.
type ReadReceipt struct {
	ConversationId string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
	Updated        int       `json:"updated"`
	SenderIds      []string  `json:"-"`
}
