package chat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// DefaultTypingIdle is how long after the last keystroke "stopped typing" is sent.
const DefaultTypingIdle = 1500 * time.Millisecond

// TypingSender sends typing frames. Router implements it.
type TypingSender interface {
	SendTyping(to protocol.ID, isTyping bool)
}

type typingState struct {
	timer *clock.Timer
	seq   uint64
}

// TypingNotifier turns keystrokes into typing frames: true on every
// keystroke, then a single false once input has been idle.
type TypingNotifier struct {
	sender TypingSender
	idle   time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	peers map[protocol.ID]*typingState
	seq   uint64
}

// NewTypingNotifier creates a TypingNotifier. A zero idle uses DefaultTypingIdle
// and a nil clk uses the wall clock.
func NewTypingNotifier(sender TypingSender, idle time.Duration, clk clock.Clock) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TypingNotifier{
		sender: sender,
		idle:   idle,
		clock:  clk,
		peers:  make(map[protocol.ID]*typingState),
	}
}

// Keystroke reports local input in the conversation with peer.
func (n *TypingNotifier) Keystroke(peer protocol.ID) {
	n.mu.Lock()
	st := n.peers[peer]
	if st == nil {
		st = &typingState{}
		n.peers[peer] = st
	} else if st.timer != nil {
		st.timer.Stop()
	}
	n.seq++
	seq := n.seq
	st.seq = seq
	st.timer = n.clock.AfterFunc(n.idle, func() { n.expire(peer, seq) })
	n.mu.Unlock()

	// SendTyping may block on the socket; never call it with mu held
	n.sender.SendTyping(peer, true)
}

func (n *TypingNotifier) expire(peer protocol.ID, seq uint64) {
	n.mu.Lock()
	st := n.peers[peer]
	if st == nil || st.seq != seq {
		n.mu.Unlock()
		return
	}
	delete(n.peers, peer)
	n.mu.Unlock()

	n.sender.SendTyping(peer, false)
}

// MessageSent clears the typing state for peer right away.
func (n *TypingNotifier) MessageSent(peer protocol.ID) {
	n.mu.Lock()
	if st := n.peers[peer]; st != nil {
		st.timer.Stop()
		delete(n.peers, peer)
	}
	n.mu.Unlock()

	n.sender.SendTyping(peer, false)
}

// Stop cancels all pending idle timers without sending anything.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for peer, st := range n.peers {
		st.timer.Stop()
		delete(n.peers, peer)
	}
}
