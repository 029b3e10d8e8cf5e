package api

import (
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// Registration is the body of POST /auth/register.
type Registration struct {
	Username string `json:"username"`
	Fullname string `json:"fullname,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Profile is the current user's account data.
type Profile struct {
	ID       protocol.ID `json:"id,omitempty"`
	Username string      `json:"username"`
	Fullname string      `json:"fullname"`
	Email    string      `json:"email"`
	Avatar   string      `json:"avatar,omitempty"`
}

// LastMessage previews a contact's latest message.
type LastMessage struct {
	Content string             `json:"content"`
	Date    protocol.Timestamp `json:"date"`
}

// Contact is an entry of GET /contacts.
type Contact struct {
	UserID      protocol.ID  `json:"userId"`
	Username    string       `json:"username"`
	Avatar      string       `json:"avatar"`
	LastMessage *LastMessage `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
}

// Chat is an entry of GET /chat/chats.
type Chat struct {
	ID          protocol.ID `json:"id"`
	Username    string      `json:"username"`
	Fullname    string      `json:"fullname"`
	Avatar      string      `json:"avatar"`
	LastMessage string             `json:"last_message"`
	Date        protocol.Timestamp `json:"date"`
}

// User is an entry of GET /users/search.
type User struct {
	ID       protocol.ID `json:"id"`
	Username string      `json:"username"`
	Fullname string      `json:"fullname"`
	Avatar   string      `json:"avatar"`
}
