// Package server is an in-process chat backend. It speaks the same
// websocket frames and REST endpoints as the real service and is used to
// run the client end to end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// User is an account known to the server.
type User struct {
	ID       protocol.ID
	Name     string
	Password string
	Token    string
}

// session is one websocket connection of a user.
type session struct {
	conn     *websocket.Conn
	user     protocol.ID
	outgoing chan []byte
}

// Server holds accounts, the message log and the live sessions.
type Server struct {
	log   zerolog.Logger
	users []User
	now   func() time.Time

	listener net.Listener
	server   *http.Server

	mu       sync.RWMutex
	sessions map[*session]bool
	messages []protocol.Message
	nextID   int
	wg       sync.WaitGroup
}

// New creates a Server for users.
func New(logger zerolog.Logger, users ...User) *Server {
	return &Server{
		log:      logger.With().Str("component", "server").Logger(),
		users:    users,
		now:      time.Now,
		sessions: make(map[*session]bool),
	}
}

// Handler serves /chat and the REST API under /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/chat", s.handleWebSocket)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/messages/{userId}", s.handleHistory)
			r.Get("/chat/messages/{userId}", s.handleSince)
			r.Post("/chat/send/{userId}", s.handleSend)
		})
	})
	return r
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("chat server started")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("chat server stopped")
		}
	}()
	return nil
}

// Stop closes the listener and every session.
func (s *Server) Stop() {
	if s.server != nil {
		_ = s.server.Close()
	}
	s.DropAll()
	s.wg.Wait()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of open websocket sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// DropAll closes every websocket session, as a server restart would.
func (s *Server) DropAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

func (s *Server) userByToken(token string) (User, bool) {
	for _, u := range s.users {
		if token != "" && u.Token == token {
			return u, true
		}
	}
	return User{}, false
}

// handleWebSocket authenticates the token query parameter and upgrades.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userByToken(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	sess := &session{
		conn:     conn,
		user:     user.ID,
		outgoing: make(chan []byte, 16),
	}

	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.handleSession(sess)
}

// handleSession handles a single websocket session
func (s *Server) handleSession(sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		close(sess.outgoing)
		s.mu.Unlock()
		_ = sess.conn.Close()
	}()

	// Start goroutine to send frames to the session
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for data := range sess.outgoing {
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	log := s.log.With().Str("user", string(sess.user)).Logger()
	log.Debug().Msg("session opened")

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("session closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in struct {
			Type     protocol.FrameType `json:"type"`
			Content  string             `json:"content"`
			ToUserID protocol.ID        `json:"toUserId"`
			IsTyping bool               `json:"isTyping"`
		}
		if err := json.Unmarshal(data, &in); err != nil || in.ToUserID == "" {
			log.Debug().Msg("ignoring malformed frame")
			continue
		}

		switch in.Type {
		case protocol.FrameMessage:
			s.deliver(s.record(sess.user, in.ToUserID, in.Content))
		case protocol.FrameTyping:
			s.relayTyping(sess.user, in.ToUserID, in.IsTyping)
		}
	}
}

// record appends a message to the log and returns it with its id and date.
func (s *Server) record(from, to protocol.ID, content string) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := protocol.Message{
		ID:         protocol.ID(strconv.Itoa(s.nextID)),
		FromUserID: from,
		ToUserID:   to,
		Content:    content,
		Date:       s.now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m
}

// deliver sends m to the recipient as "message" and echoes it to the
// sender's sessions as "sent".
func (s *Server) deliver(m protocol.Message) {
	frame := func(t protocol.FrameType) []byte {
		data, _ := json.Marshal(struct {
			Type protocol.FrameType `json:"type"`
			protocol.Message
		}{t, m})
		return data
	}
	s.sendTo(m.ToUserID, frame(protocol.FrameMessage))
	if m.FromUserID != m.ToUserID {
		s.sendTo(m.FromUserID, frame(protocol.FrameSent))
	}
}

func (s *Server) relayTyping(from, to protocol.ID, isTyping bool) {
	data, _ := json.Marshal(map[string]any{
		"type":       protocol.FrameTyping,
		"fromUserId": from,
		"isTyping":   isTyping,
	})
	s.sendTo(to, data)
}

// sendTo queues data on every session of user.
func (s *Server) sendTo(user protocol.ID, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sess := range s.sessions {
		if sess.user != user {
			continue
		}
		select {
		case sess.outgoing <- data:
		default:
			// Channel is full, skip this session
			s.log.Warn().Str("user", string(user)).Msg("session queue full, frame skipped")
		}
	}
}

type userKey struct{}

func withUser(ctx context.Context, id protocol.ID) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

func userFrom(ctx context.Context) protocol.ID {
	id, _ := ctx.Value(userKey{}).(protocol.ID)
	return id
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			if c, err := r.Cookie("token"); err == nil {
				token = c.Value
			}
		}
		user, ok := s.userByToken(token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user.ID)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid body"})
		return
	}
	name := body.Username
	if name == "" {
		name = body.Email
	}
	for _, u := range s.users {
		if u.Name == name && u.Password == body.Password {
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": map[string]string{"token": u.Token}})
			return
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid credentials"})
}

// handleHistory returns the newest messages between the caller and the
// peer, oldest first, in the snake_case schema of the REST API.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r.Context())
	peer := protocol.ID(chi.URLParam(r, "userId"))

	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid before"})
			return
		}
		before = t
	}

	s.mu.RLock()
	var page []protocol.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if len(page) == limit {
			break
		}
		if !between(m, self, peer) {
			continue
		}
		if !before.IsZero() && !m.Date.Before(before) {
			continue
		}
		page = append(page, m)
	}
	s.mu.RUnlock()
	slices.Reverse(page)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": historyRows(page)})
}

// handleSince returns every message between the caller and the peer dated
// after the since parameter, oldest first.
func (s *Server) handleSince(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r.Context())
	peer := protocol.ID(chi.URLParam(r, "userId"))

	since := protocol.ParseDate(r.URL.Query().Get("since"))
	if r.URL.Query().Get("since") != "" && since.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid since"})
		return
	}

	s.mu.RLock()
	var msgs []protocol.Message
	for _, m := range s.messages {
		if between(m, self, peer) && m.Date.After(since) {
			msgs = append(msgs, m)
		}
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": historyRows(msgs)})
}

func between(m protocol.Message, a, b protocol.ID) bool {
	return (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a)
}

// historyRows renders messages in the snake_case schema of the REST API.
func historyRows(msgs []protocol.Message) []map[string]any {
	rows := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		id, _ := strconv.Atoi(string(m.ID))
		rows = append(rows, map[string]any{
			"id":           id,
			"from_user_id": m.FromUserID,
			"to_user_id":   m.ToUserID,
			"content":      m.Content,
			"date":         m.Date,
		})
	}
	return rows
}

// handleSend is the REST send path; the message is delivered like a
// websocket one.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "content required"})
		return
	}
	m := s.record(userFrom(r.Context()), protocol.ID(chi.URLParam(r, "userId")), body.Content)
	s.deliver(m)
	writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "data": m})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
