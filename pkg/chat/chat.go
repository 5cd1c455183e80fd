package chat

import (
	"context"
	"strings"
)

// DefaultAlertPrefix marks status text that must never be auto-expired.
const DefaultAlertPrefix = "🚨🚨🚨 "

type Conversation struct {
	ID    int64  `json:"id"`
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
}

type MessageRef struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Pinned         bool   `json:"pinned"`
	Text           string `json:"text"`
}

// Page is one slice of a conversation's history, newest first. Next is the
// cursor for the following (older) page and is only meaningful when Done is false.
type Page struct {
	Messages []MessageRef
	Next     int64
	Done     bool
}

type User struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
}

// Directory maps user ids to resolved users. It is built once per run and
// only read afterwards.
type Directory map[int64]User

func (d Directory) IDs() []int64 {
	ids := make([]int64, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	return ids
}

func (d Directory) Name(id int64) string {
	if u, ok := d[id]; ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return ""
}

// Gateway is the remote messaging service as seen by the engine.
type Gateway interface {
	EnumerateConversations(ctx context.Context) ([]Conversation, error)
	// FetchMessagePage returns messages older than cursor (0 means newest),
	// restricted to sender when sender is non-zero.
	FetchMessagePage(ctx context.Context, conv Conversation, cursor int64, sender int64) (Page, error)
	DeleteMessages(ctx context.Context, conv Conversation, ids []int64) error
	ProbeMembership(ctx context.Context, conv Conversation, userID int64) (bool, error)
	ListMembers(ctx context.Context, conv Conversation) ([]int64, error)
	SendMessage(ctx context.Context, conv Conversation, text string) (MessageRef, error)
}

// MessageLookup reloads a single message so its current state can be inspected.
type MessageLookup interface {
	LookupMessage(ctx context.Context, conv Conversation, id int64) (MessageRef, error)
}

type UserResolver interface {
	ResolveUser(ctx context.Context, handle string) (User, error)
}

// IsAlert reports whether text carries the alert marker.
func IsAlert(text, prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(text, prefix)
}
