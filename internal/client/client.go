// Package client manages the connection to the chat server and defines the
// surface the front-end talks to.
package client

import "github.com/omochice/toy-chat-client/pkg/protocol"

// Client is what a front-end needs from the chat core: connection status,
// outbound intents and inbound frames. Sends never fail; while disconnected
// they are dropped and the caller learns about it through the status.
type Client interface {
	IsConnected() bool
	WatchStatus(fn func(State)) (cancel func())
	SendMessage(content string, to protocol.ID)
	SendTyping(to protocol.ID, isTyping bool)
	Subscribe(onMessage func(protocol.ChatMessage), onTyping func(protocol.Typing)) (unsubscribe func())
}
