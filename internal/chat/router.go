package chat

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/omochice/toy-chat-client/internal/metrics"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// Sender writes one encoded frame and reports whether it went out.
type Sender interface {
	Send(data []byte) bool
}

// Router encodes outbound intents and demultiplexes inbound frames.
type Router struct {
	sender  Sender
	hub     *Hub
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a Router that writes through sender.
func NewRouter(sender Sender, logger zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		sender:  sender,
		hub:     NewHub(),
		log:     logger.With().Str("component", "router").Logger(),
		metrics: m,
	}
}

// SendMessage sends a chat message to a peer. It is dropped while disconnected.
func (r *Router) SendMessage(content string, to protocol.ID) {
	r.send(protocol.OutboundMessage{Content: content, ToUserID: to})
}

// SendTyping sends the local typing state to a peer. It is dropped while disconnected.
func (r *Router) SendTyping(to protocol.ID, isTyping bool) {
	r.send(protocol.OutboundTyping{ToUserID: to, IsTyping: isTyping})
}

func (r *Router) send(f protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		r.log.Error().Err(err).Msg("encode failed")
		return
	}

	frameType := f.Type().String()
	if !r.sender.Send(data) {
		r.metrics.SendDropped(frameType)
		r.log.Warn().Str("type", frameType).Msg("not connected, frame dropped")
		return
	}
	r.metrics.FrameSent(frameType)
}

// Subscribe registers handlers for inbound frames.
func (r *Router) Subscribe(h Handlers) (unsubscribe func()) {
	sub := r.hub.Register(h)
	return func() { r.hub.Unregister(sub) }
}

// SubscriberCount returns the number of live subscriptions.
func (r *Router) SubscriberCount() int {
	return r.hub.SubscriberCount()
}

// Dispatch decodes one inbound frame and publishes it. Frames that cannot
// be decoded are discarded.
func (r *Router) Dispatch(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		r.metrics.FrameDiscarded()
		r.log.Debug().Err(err).Bool("unknown", errors.Is(err, protocol.ErrUnknownFrame)).Msg("frame discarded")
		return
	}

	r.metrics.FrameReceived(ev.Type().String())
	switch ev := ev.(type) {
	case protocol.ChatMessage:
		r.hub.PublishMessage(ev)
	case protocol.Typing:
		r.hub.PublishTyping(ev)
	default:
		r.log.Debug().Str("type", ev.Type().String()).Msg("frame ignored")
	}
}
