package chat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-chat-client/internal/chat"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

type typingCall struct {
	to       protocol.ID
	isTyping bool
}

type typingRecorder struct {
	mu    sync.Mutex
	calls []typingCall
}

func (r *typingRecorder) SendTyping(to protocol.ID, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typingCall{to, isTyping})
}

func (r *typingRecorder) get() []typingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingCall(nil), r.calls...)
}

func TestTypingNotifier_IdleSendsSingleStop(t *testing.T) {
	rec := &typingRecorder{}
	mock := clock.NewMock()
	n := chat.NewTypingNotifier(rec, 0, mock)

	n.Keystroke("42")
	mock.Add(time.Second)
	n.Keystroke("42")
	mock.Add(time.Second)
	n.Keystroke("42")

	assert.Equal(t, []typingCall{{"42", true}, {"42", true}, {"42", true}}, rec.get())

	mock.Add(chat.DefaultTypingIdle)
	require.Eventually(t, func() bool { return len(rec.get()) == 4 }, time.Second, 5*time.Millisecond)

	mock.Add(time.Minute)
	assert.Never(t, func() bool { return len(rec.get()) > 4 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, typingCall{"42", false}, rec.get()[3])
}

func TestTypingNotifier_MessageSentStopsImmediately(t *testing.T) {
	rec := &typingRecorder{}
	mock := clock.NewMock()
	n := chat.NewTypingNotifier(rec, 1500*time.Millisecond, mock)

	n.Keystroke("42")
	n.MessageSent("42")

	assert.Equal(t, []typingCall{{"42", true}, {"42", false}}, rec.get())

	// the idle timer was cancelled
	mock.Add(time.Minute)
	assert.Never(t, func() bool { return len(rec.get()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTypingNotifier_PeersAreIndependent(t *testing.T) {
	rec := &typingRecorder{}
	mock := clock.NewMock()
	n := chat.NewTypingNotifier(rec, time.Second, mock)

	n.Keystroke("a")
	mock.Add(500 * time.Millisecond)
	n.Keystroke("b")
	mock.Add(500 * time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, typingCall{"a", false}, rec.get()[2])

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.get()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, typingCall{"b", false}, rec.get()[3])
}

func TestTypingNotifier_Stop(t *testing.T) {
	rec := &typingRecorder{}
	mock := clock.NewMock()
	n := chat.NewTypingNotifier(rec, time.Second, mock)

	n.Keystroke("42")
	n.Stop()
	mock.Add(time.Minute)

	assert.Never(t, func() bool { return len(rec.get()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

// stallingSender blocks every send to one peer until release is closed.
type stallingSender struct {
	typingRecorder
	slow    protocol.ID
	entered chan struct{}
	release chan struct{}
}

func (s *stallingSender) SendTyping(to protocol.ID, isTyping bool) {
	if to == s.slow {
		s.entered <- struct{}{}
		<-s.release
	}
	s.typingRecorder.SendTyping(to, isTyping)
}

func TestTypingNotifier_SlowSendDoesNotBlockOtherPeers(t *testing.T) {
	sender := &stallingSender{slow: "slow", entered: make(chan struct{}, 1), release: make(chan struct{})}
	mock := clock.NewMock()
	n := chat.NewTypingNotifier(sender, time.Second, mock)

	go n.Keystroke("slow")
	<-sender.entered

	done := make(chan struct{})
	go func() {
		n.Keystroke("fast")
		n.MessageSent("fast")
		n.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier blocked behind a stalled send")
	}
	assert.Equal(t, []typingCall{{"fast", true}, {"fast", false}}, sender.get())

	close(sender.release)
	require.Eventually(t, func() bool { return len(sender.get()) == 3 }, time.Second, 5*time.Millisecond)
}
