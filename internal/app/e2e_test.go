package app_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-chat-client/internal/app"
	"github.com/omochice/toy-chat-client/internal/client"
	"github.com/omochice/toy-chat-client/internal/config"
	"github.com/omochice/toy-chat-client/internal/server"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

func contentsOf(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestEndToEnd_TwoClients(t *testing.T) {
	srv := server.New(zerolog.Nop(),
		server.User{ID: "1", Name: "alice", Password: "pw", Token: "tok-a"},
		server.User{ID: "42", Name: "bob", Password: "pw", Token: "tok-b"},
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	base := config.Default()
	base.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	base.APIURL = ts.URL + "/api"
	base.ReconnectDelay = 50 * time.Millisecond
	base.MergePolicy = "dedup"

	aliceCfg := base
	aliceCfg.Token = "tok-a"
	alice := newApp(t, aliceCfg)

	bobCfg := base
	bobCfg.Token = "tok-b"
	bobCfg.Transport = config.TransportGobwas
	bob := newApp(t, bobCfg)

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	waitConnected(t, alice, true)
	waitConnected(t, bob, true)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, waitFor, 5*time.Millisecond)

	ctx := context.Background()
	aliceConv, err := alice.OpenConversation(ctx, "42")
	require.NoError(t, err)
	defer aliceConv.Close()
	bobConv, err := bob.OpenConversation(ctx, "1")
	require.NoError(t, err)
	defer bobConv.Close()

	alice.Keystroke("42")
	require.Eventually(t, bobConv.PeerTyping, waitFor, 5*time.Millisecond)

	alice.SendMessage("hello bob", "42")
	require.Eventually(t, func() bool { return len(bobConv.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "hello bob", bobConv.Messages()[0].Content)
	require.Eventually(t, func() bool { return !bobConv.PeerTyping() }, waitFor, 5*time.Millisecond)

	// the sender sees its own message through the "sent" echo
	require.Eventually(t, func() bool { return len(aliceConv.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, bobConv.Messages()[0].ID, aliceConv.Messages()[0].ID)

	// a server restart drops both sessions; both clients come back
	reconnected := make(chan struct{}, 4)
	onConnected := func(s client.State) {
		if s == client.Connected {
			reconnected <- struct{}{}
		}
	}
	defer alice.WatchStatus(onConnected)()
	defer bob.WatchStatus(onConnected)()

	srv.DropAll()
	for i := 0; i < 2; i++ {
		select {
		case <-reconnected:
		case <-time.After(waitFor):
			t.Fatal("clients did not reconnect")
		}
	}
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, waitFor, 5*time.Millisecond)

	bob.SendMessage("back again", "1")
	require.Eventually(t, func() bool { return len(aliceConv.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"hello bob", "back again"}, contentsOf(aliceConv.Sorted()))

	// a fresh transcript is rebuilt from history
	reopened, err := bob.OpenConversation(ctx, "1")
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"hello bob", "back again"}, contentsOf(reopened.Messages()))
}

func TestEndToEnd_LoginThroughServer(t *testing.T) {
	srv := server.New(zerolog.Nop(), server.User{ID: "1", Name: "alice@example.com", Password: "pw", Token: "tok-a"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	cfg := config.Default()
	cfg.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.APIURL = ts.URL + "/api"
	a, err := app.New(app.Options{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.Start())
	assert.Error(t, a.Login(context.Background(), "alice@example.com", "nope"))
	assert.False(t, a.IsConnected())

	require.NoError(t, a.Login(context.Background(), "alice@example.com", "pw"))
	waitConnected(t, a, true)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestEndToEnd_CatchUpAfterReconnect(t *testing.T) {
	srv := server.New(zerolog.Nop(),
		server.User{ID: "1", Name: "alice", Password: "pw", Token: "tok-a"},
		server.User{ID: "42", Name: "bob", Password: "pw", Token: "tok-b"},
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	cfg := config.Default()
	cfg.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.APIURL = ts.URL + "/api"
	cfg.ReconnectDelay = 300 * time.Millisecond
	cfg.MergePolicy = "dedup"

	aliceCfg := cfg
	aliceCfg.Token = "tok-a"
	alice := newApp(t, aliceCfg)
	bobCfg := cfg
	bobCfg.Token = "tok-b"
	bob := newApp(t, bobCfg)

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	waitConnected(t, alice, true)
	waitConnected(t, bob, true)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, waitFor, 5*time.Millisecond)

	ctx := context.Background()
	conv, err := bob.OpenConversation(ctx, "1")
	require.NoError(t, err)
	defer conv.Close()

	alice.SendMessage("before the drop", "42")
	require.Eventually(t, func() bool { return len(conv.Messages()) == 1 }, waitFor, 5*time.Millisecond)

	// sent over REST while nobody is connected, so no live frame reaches bob
	srv.DropAll()
	waitConnected(t, bob, false)
	require.NoError(t, alice.API().SendMessage(ctx, "42", "during the drop"))

	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"before the drop", "during the drop"}, contentsOf(conv.Messages()))
	assert.Never(t, func() bool { return len(conv.Messages()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}
