// ABOUTME: Message model, message types and constructor for coordination messages.
// ABOUTME: Construction validates and sanitizes every field before a message exists.

package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of coordination message.
type Type string

const (
	TypeInfo           Type = "INFO"
	TypeQuestion       Type = "QUESTION"
	TypeBlocked        Type = "BLOCKED"
	TypeAck            Type = "ACK"
	TypeReviewRequest  Type = "REVIEW-REQUEST"
	TypeReviewResponse Type = "REVIEW-RESPONSE"
	TypeCompleted      Type = "COMPLETED"
	TypeChallenge      Type = "CHALLENGE"
)

// Types lists every known message type.
var Types = []Type{
	TypeInfo, TypeQuestion, TypeBlocked, TypeAck,
	TypeReviewRequest, TypeReviewResponse, TypeCompleted, TypeChallenge,
}

// ParseType converts a case-insensitive name into a Type.
func ParseType(s string) (Type, error) {
	want := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range Types {
		if t == want {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "msg_type", Reason: fmt.Sprintf("unknown type %q", s)}
}

// Broadcast is the recipient token addressing every agent.
const Broadcast = "all"

// Message is one coordination message. Field order matches the log format.
type Message struct {
	Timestamp  time.Time `json:"timestamp"`
	Sender     string    `json:"sender"`
	Type       Type      `json:"msg_type"`
	Content    string    `json:"content"`
	Recipients []string  `json:"recipients"`
	ID         string    `json:"msg_id"`
	Signature  string    `json:"signature"`
}

// New validates its inputs and builds an unsigned message with a fresh id.
// Content is sanitized; maxContentLength bounds it in runes.
func New(sender string, recipients []string, t Type, content string, maxContentLength int) (*Message, error) {
	if err := ValidateAgentID("sender", sender); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, &ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	seen := make(map[string]bool, len(recipients))
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if err := ValidateRecipient(r); err != nil {
			return nil, err
		}
		if !seen[r] {
			seen[r] = true
			clean = append(clean, r)
		}
	}
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	body, err := SanitizeContent(content, maxContentLength)
	if err != nil {
		return nil, err
	}

	return &Message{
		Timestamp:  time.Now().UTC(),
		Sender:     sender,
		Type:       t,
		Content:    body,
		Recipients: clean,
		ID:         uuid.NewString(),
	}, nil
}

// IsBroadcast reports whether the message addresses every agent.
func (m *Message) IsBroadcast() bool {
	for _, r := range m.Recipients {
		if r == Broadcast {
			return true
		}
	}
	return false
}

// AddressedTo reports whether agentID should see this message.
func (m *Message) AddressedTo(agentID string) bool {
	for _, r := range m.Recipients {
		if r == agentID || r == Broadcast {
			return true
		}
	}
	return false
}

// Render formats the message as the text pasted into a peer's session.
func (m *Message) Render() string {
	return fmt.Sprintf("[%s from %s] %s (msg_id: %s)", m.Type, m.Sender, m.Content, m.ID)
}
