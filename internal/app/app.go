// Package app wires the chat client together: session, connection manager,
// stream router, REST client and the optional transcript cache.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-chat-client/internal/api"
	"github.com/omochice/toy-chat-client/internal/auth"
	"github.com/omochice/toy-chat-client/internal/chat"
	"github.com/omochice/toy-chat-client/internal/client"
	"github.com/omochice/toy-chat-client/internal/config"
	"github.com/omochice/toy-chat-client/internal/metrics"
	"github.com/omochice/toy-chat-client/internal/status"
	"github.com/omochice/toy-chat-client/internal/store"
	"github.com/omochice/toy-chat-client/internal/transport"
	"github.com/omochice/toy-chat-client/internal/transport/gobwas"
	"github.com/omochice/toy-chat-client/internal/transport/ws"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// Options configures an App.
type Options struct {
	Config config.Config
	Logger zerolog.Logger
	// TokenStore persists the session; nil keeps it in memory only.
	TokenStore auth.Store
	// HTTPClient is used for REST calls; nil uses the api default.
	HTTPClient *http.Client
	Clock      clock.Clock
}

// App is the running chat client. It implements client.Client.
type App struct {
	cfg     config.Config
	log     zerolog.Logger
	clock   clock.Clock
	policy  chat.MergePolicy
	metrics *metrics.Metrics

	session *auth.Session
	manager *client.Manager
	router  *chat.Router
	typing  *chat.TypingNotifier
	api     *api.Client
	store   *store.Store
	status  *status.Server

	stopSession func()
	closeOnce   sync.Once
}

var _ client.Client = (*App)(nil)

// New builds an App from opts. Nothing connects until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := chat.ParseMergePolicy(cfg.MergePolicy)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	a := &App{
		cfg:     cfg,
		log:     opts.Logger,
		clock:   opts.Clock,
		policy:  policy,
		metrics: metrics.New(),
	}

	if cfg.Token != "" {
		// an explicit token is never written to the token file
		a.session = auth.NewSession(nil)
		if err := a.session.Login(cfg.Token); err != nil {
			return nil, err
		}
	} else {
		a.session = auth.NewSession(opts.TokenStore)
		if err := a.session.Restore(); err != nil {
			a.log.Warn().Err(err).Msg("starting without a session")
		}
	}

	a.manager = client.NewManager(client.Options{
		BaseURL:          cfg.WSURL,
		Dialer:           newDialer(cfg),
		Credentials:      a.session,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Clock:            a.clock,
		Logger:           a.log,
		Metrics:          a.metrics,
	})
	a.router = chat.NewRouter(a.manager, a.log, a.metrics)
	a.manager.OnFrame(a.router.Dispatch)
	a.typing = chat.NewTypingNotifier(a.router, cfg.TypingIdle, a.clock)
	a.api = api.New(cfg.APIURL, a.session, opts.HTTPClient)

	if cfg.DataPath != "" {
		s, err := store.Open(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		a.store = s
	}

	a.stopSession = a.session.OnChange(func(_ string, ok bool) {
		// a new credential replaces the running connection
		a.manager.Disconnect()
		if ok {
			a.manager.Connect()
		}
	})

	return a, nil
}

func newDialer(cfg config.Config) transport.Dialer {
	if cfg.Transport == config.TransportGobwas {
		return gobwas.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return ws.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
}

// Start connects when a credential is present and starts the status
// listener if one is configured.
func (a *App) Start() error {
	if a.cfg.HTTPAddr != "" {
		a.status = status.NewServer(status.NewHandler(a.manager, a.metrics), a.log)
		if err := a.status.Start(a.cfg.HTTPAddr); err != nil {
			a.status = nil
			return err
		}
	}
	a.manager.Connect()
	return nil
}

// Close tears the client down. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		a.stopSession()
		a.typing.Stop()
		a.manager.Teardown()
		if a.status != nil {
			if err := a.status.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop status server: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close store: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// Login exchanges credentials for a token and starts the connection.
func (a *App) Login(ctx context.Context, login, password string) error {
	token, err := a.api.Login(ctx, login, password)
	if err != nil {
		return err
	}
	return a.session.Login(token)
}

// Logout forgets the token and closes the connection.
func (a *App) Logout() error {
	return a.session.Logout()
}

// Session returns the session credential holder.
func (a *App) Session() *auth.Session {
	return a.session
}

// API returns the REST client.
func (a *App) API() *api.Client {
	return a.api
}

// Metrics returns the client's collectors.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// StatusAddr returns the status listener address, or "" when it is off.
func (a *App) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

// State returns the connection state.
func (a *App) State() client.State {
	return a.manager.State()
}

// IsConnected implements client.Client.
func (a *App) IsConnected() bool {
	return a.manager.IsConnected()
}

// WatchStatus implements client.Client.
func (a *App) WatchStatus(fn func(client.State)) (cancel func()) {
	return a.manager.WatchStatus(fn)
}

// SendMessage implements client.Client. It also ends the local typing
// indicator for to.
func (a *App) SendMessage(content string, to protocol.ID) {
	a.router.SendMessage(content, to)
	a.typing.MessageSent(to)
}

// SendTyping implements client.Client.
func (a *App) SendTyping(to protocol.ID, isTyping bool) {
	a.router.SendTyping(to, isTyping)
}

// Keystroke reports local input for peer; typing frames follow from it.
func (a *App) Keystroke(peer protocol.ID) {
	a.typing.Keystroke(peer)
}

// Subscribe implements client.Client.
func (a *App) Subscribe(onMessage func(protocol.ChatMessage), onTyping func(protocol.Typing)) (unsubscribe func()) {
	return a.router.Subscribe(chat.Handlers{Message: onMessage, Typing: onTyping})
}

// Conversation is an open transcript fed by the router.
type Conversation struct {
	*chat.Conversation
	stop []func()
}

// Close detaches the transcript from the stream.
func (c *Conversation) Close() {
	for _, stop := range c.stop {
		stop()
	}
	c.Conversation.Close()
}

// NewConversation subscribes an empty transcript for peer to the stream
// without loading history; call Open to load it. Watchers registered before
// Open see every change. After each reconnect the transcript catches up on
// the messages it missed while the connection was down.
func (a *App) NewConversation(peer protocol.ID) *Conversation {
	opts := chat.ConversationOptions{
		Peer:              peer,
		History:           a.api,
		Gaps:              a.api,
		Limit:             a.cfg.HistoryLimit,
		Policy:            a.policy,
		PeerTypingTimeout: a.cfg.PeerTypingTimeout,
		Clock:             a.clock,
		Logger:            a.log,
		Metrics:           a.metrics,
	}
	if a.store != nil {
		opts.Cache = a.store
	}

	conv := chat.NewConversation(opts)
	c := &Conversation{Conversation: conv}
	c.stop = append(c.stop, a.router.Subscribe(conv.Handlers()))

	// watchers run one at a time, so down needs no lock
	down := !a.manager.IsConnected()
	c.stop = append(c.stop, a.manager.WatchStatus(func(s client.State) {
		switch s {
		case client.Connected:
			if down {
				go a.catchUp(conv)
			}
			down = false
		default:
			down = true
		}
	}))
	return c
}

func (a *App) catchUp(conv *chat.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), api.DefaultTimeout)
	defer cancel()
	if _, err := conv.CatchUp(ctx); err != nil {
		a.log.Warn().Err(err).Str("peer", string(conv.Peer())).Msg("catch-up after reconnect failed")
	}
}

// OpenConversation subscribes a transcript for peer to the stream, then
// loads its history. A history error is returned together with a usable
// Conversation, which then shows the live stream and any cached messages.
func (a *App) OpenConversation(ctx context.Context, peer protocol.ID) (*Conversation, error) {
	c := a.NewConversation(peer)
	return c, c.Open(ctx)
}
