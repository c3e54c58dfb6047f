package database

import (
	"time"

	"github.com/npezzotti/go-supportchat/internal/types"
)

// conversationRow mirrors a row of the conversations table. The participant
// pair is stored normalized (low < high) so the unique constraint covers
// both orders.
type conversationRow struct {
	Id            string
	LowUserId     string
	LowRole       types.Role
	HighUserId    string
	HighRole      types.Role
	LastContent   *string
	LastSenderId  *string
	LastCreatedAt *time.Time
	UnreadLow     int
	UnreadHigh    int
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r conversationRow) toConversation() types.Conversation {
	c := types.Conversation{
		Id: r.Id,
		Participants: []types.Participant{
			{UserId: r.LowUserId, Role: r.LowRole},
			{UserId: r.HighUserId, Role: r.HighRole},
		},
		UnreadCount: map[string]int{
			r.LowUserId:  r.UnreadLow,
			r.HighUserId: r.UnreadHigh,
		},
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastContent != nil && r.LastSenderId != nil && r.LastCreatedAt != nil {
		c.LastMessage = &types.LastMessage{
			Content:   *r.LastContent,
			SenderId:  *r.LastSenderId,
			CreatedAt: *r.LastCreatedAt,
		}
	}
	return c
}
