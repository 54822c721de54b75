// Package prepare rebuilds the conversation history from one backend's point
// of view.
//
// Backends expect strict user/assistant alternation and only know their own
// replies as assistant turns, so replies from other backends are relabelled as
// user-role messages carrying the author's name. These synthetic messages are
// TemporaryMessage values: they exist for a single outbound request and have
// no path into the repository, which only stores domain.Message.
package prepare

import (
	"time"

	"multiai-chat/internal/domain"
)

// UserPrefix tags genuine user messages so backends do not attribute user
// ideas to another participant.
const UserPrefix = "**[User]**: "

// TemporaryMessage is a request-scoped message built for one backend call.
type TemporaryMessage struct {
	Content    string
	IsFromUser bool
	Timestamp  time.Time
	// SourceMessageID is the persisted message this one was derived from.
	SourceMessageID string
}

// Role returns the chat role the message is sent with.
func (m TemporaryMessage) Role() string {
	if m.IsFromUser {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

// MessageMetadata describes how a prompt was assembled.
type MessageMetadata struct {
	TurnNumber      int  `json:"turnNumber"`
	WasTruncated    bool `json:"wasTruncated"`
	UsedDigest      bool `json:"usedDigest"`
	EstimatedTokens int  `json:"estimatedTokens"`
}

// PreparedMessage is everything sent to a backend for one turn.
type PreparedMessage struct {
	Content          string
	FilteredMessages []TemporaryMessage
	DigestContext    string
	Metadata         MessageMetadata
}

// Namer resolves a backend's display name.
type Namer interface {
	DisplayName(id domain.BackendID) string
}

// Preparer converts persisted history into a backend-specific sequence.
type Preparer struct {
	namer Namer
}

// New creates a Preparer. A nil namer labels other backends by raw id.
func New(namer Namer) *Preparer {
	return &Preparer{namer: namer}
}

// Prepare returns history as target should see it, in chronological order.
// A trailing user message equal to newContent is the current turn's own
// message and is left out, since the adapter receives newContent separately.
func (p *Preparer) Prepare(history []domain.Message, newContent string, target domain.BackendID) []TemporaryMessage {
	if n := len(history); n > 0 && history[n-1].IsFromUser && history[n-1].Content == newContent {
		history = history[:n-1]
	}

	out := make([]TemporaryMessage, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.IsFromUser:
			out = append(out, TemporaryMessage{
				Content:         UserPrefix + msg.Content,
				IsFromUser:      true,
				Timestamp:       msg.Timestamp,
				SourceMessageID: msg.ID,
			})
		case msg.BackendID == "":
			continue
		case msg.BackendID == target:
			out = append(out, TemporaryMessage{
				Content:         msg.Content,
				Timestamp:       msg.Timestamp,
				SourceMessageID: msg.ID,
			})
		default:
			out = append(out, TemporaryMessage{
				Content:         "[" + p.displayName(msg.BackendID) + "]: " + msg.Content,
				IsFromUser:      true,
				Timestamp:       msg.Timestamp,
				SourceMessageID: msg.ID,
			})
		}
	}
	return out
}

func (p *Preparer) displayName(id domain.BackendID) string {
	if p.namer != nil {
		if name := p.namer.DisplayName(id); name != "" {
			return name
		}
	}
	return string(id)
}

// ToChat converts prepared messages to the adapter's chat shape.
func ToChat(msgs []TemporaryMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.ChatMessage{Role: m.Role(), Content: m.Content})
	}
	return out
}
