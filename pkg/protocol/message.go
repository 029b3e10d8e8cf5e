// Package protocol defines the JSON frames exchanged with the chat server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownFrame is returned by Decode for a frame whose type is not handled.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrMalformedFrame is returned by Decode when a required field is missing.
	ErrMalformedFrame = errors.New("malformed frame")
)

// FrameType is the "type" discriminator of a frame.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameTyping  FrameType = "typing"
	// FrameSent is the server's echo of a message sent by this client.
	FrameSent FrameType = "sent"
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameMessage, FrameTyping, FrameSent:
		return string(ft)
	default:
		return "unknown"
	}
}

// ID identifies a user or a message. The backend emits ids both as JSON
// strings (live frames) and as numbers (REST history).
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid id %s: %w", data, err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Message is a chat message as persisted by the server. ID is empty for a
// live message the server has not confirmed yet.
type Message struct {
	ID         ID        `json:"id,omitempty"`
	FromUserID ID        `json:"fromUserId"`
	ToUserID   ID        `json:"toUserId"`
	Content    string    `json:"content"`
	Date       time.Time `json:"date"`
}

// UnmarshalJSON reads both the camelCase live schema and the snake_case
// history schema. Dates are read leniently; see Timestamp.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              ID        `json:"id"`
		FromUserID      ID        `json:"fromUserId"`
		ToUserID        ID        `json:"toUserId"`
		FromUserIDSnake ID        `json:"from_user_id"`
		ToUserIDSnake   ID        `json:"to_user_id"`
		Content         string    `json:"content"`
		Date            Timestamp `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.FromUserID = firstID(raw.FromUserID, raw.FromUserIDSnake)
	m.ToUserID = firstID(raw.ToUserID, raw.ToUserIDSnake)
	m.Content = raw.Content
	m.Date = raw.Date.Time
	return nil
}

func firstID(ids ...ID) ID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

// Involves reports whether peer is the sender or the recipient of m.
func (m Message) Involves(peer ID) bool {
	return m.FromUserID == peer || m.ToUserID == peer
}

// Page selects a slice of a conversation's history: at most Limit messages
// older than the Before cursor (newest page when empty).
type Page struct {
	Limit  int
	Before string
}

// Event is an inbound frame. It is implemented by ChatMessage and Typing.
type Event interface {
	Type() FrameType
	isEvent()
}

// ChatMessage is an inbound "message" or "sent" frame.
type ChatMessage struct {
	Kind FrameType
	Message
}

// Type implements Event.
func (m ChatMessage) Type() FrameType { return m.Kind }

// Echo reports whether the frame acknowledges a message this client sent.
func (m ChatMessage) Echo() bool { return m.Kind == FrameSent }

func (ChatMessage) isEvent() {}

// Typing is an inbound "typing" frame.
type Typing struct {
	FromUserID ID
	IsTyping   bool
}

// Type implements Event.
func (Typing) Type() FrameType { return FrameTyping }

func (Typing) isEvent() {}

// Decode parses an inbound frame. Frames of an unhandled type return
// ErrUnknownFrame; frames missing a required field return ErrMalformedFrame.
func Decode(data []byte) (Event, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch env.Type {
	case FrameMessage, FrameSent:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode %s frame: %w", env.Type, err)
		}
		if m.FromUserID == "" || m.ToUserID == "" {
			return nil, fmt.Errorf("%w: %s frame without sender or recipient", ErrMalformedFrame, env.Type)
		}
		return ChatMessage{Kind: env.Type, Message: m}, nil
	case FrameTyping:
		var t struct {
			FromUserID ID    `json:"fromUserId"`
			IsTyping   *bool `json:"isTyping"`
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode typing frame: %w", err)
		}
		if t.FromUserID == "" || t.IsTyping == nil {
			return nil, fmt.Errorf("%w: typing frame without sender or state", ErrMalformedFrame)
		}
		return Typing{FromUserID: t.FromUserID, IsTyping: *t.IsTyping}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

// Frame is an outbound frame.
type Frame interface {
	Type() FrameType
	Encode() ([]byte, error)
}

// OutboundMessage asks the server to deliver Content to ToUserID.
type OutboundMessage struct {
	Content  string
	ToUserID ID
}

// Type implements Frame.
func (OutboundMessage) Type() FrameType { return FrameMessage }

// Encode encodes the frame as {"type":"message","content":...,"toUserId":...}.
func (m OutboundMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(struct {
		Type     FrameType `json:"type"`
		Content  string    `json:"content"`
		ToUserID ID        `json:"toUserId"`
	}{FrameMessage, m.Content, m.ToUserID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message frame: %w", err)
	}
	return data, nil
}

// OutboundTyping tells ToUserID whether the local user is typing.
type OutboundTyping struct {
	ToUserID ID
	IsTyping bool
}

// Type implements Frame.
func (OutboundTyping) Type() FrameType { return FrameTyping }

// Encode encodes the frame as {"type":"typing","toUserId":...,"isTyping":...}.
func (t OutboundTyping) Encode() ([]byte, error) {
	data, err := json.Marshal(struct {
		Type     FrameType `json:"type"`
		ToUserID ID        `json:"toUserId"`
		IsTyping bool      `json:"isTyping"`
	}{FrameTyping, t.ToUserID, t.IsTyping})
	if err != nil {
		return nil, fmt.Errorf("failed to encode typing frame: %w", err)
	}
	return data, nil
}
