package bus

import "github.com/tgguard/tgguard/pkg/chat"

type EventKind int

const (
	NewMessage EventKind = iota
	EditedMessage
	MemberJoined
	MemberLeft
)

func (k EventKind) String() string {
	switch k {
	case NewMessage:
		return "new_message"
	case EditedMessage:
		return "edited_message"
	case MemberJoined:
		return "member_joined"
	case MemberLeft:
		return "member_left"
	default:
		return "unknown"
	}
}

// Event is something observed on the live update stream.
type Event struct {
	Kind         EventKind         `json:"kind"`
	Conversation chat.Conversation `json:"conversation"`
	MessageID    int64             `json:"message_id,omitempty"`
	User         chat.User         `json:"user"`
	Text         string            `json:"text,omitempty"`
}

type EventHandler func(Event) error
