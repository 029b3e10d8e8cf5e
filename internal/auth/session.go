// Package auth holds the session credential of the chat client.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// ErrNoToken is returned when no token has been stored.
var ErrNoToken = errors.New("no token stored")

// Store persists the token between runs.
type Store interface {
	Load() (string, error)
	Save(token string) error
	Remove() error
}

// Session owns the current credential and tells observers when it changes.
// It satisfies the Credentials interfaces of the connection manager and the
// REST client.
type Session struct {
	store Store

	mu        sync.RWMutex
	token     string
	observers map[uint64]func(token string, ok bool)
	nextID    uint64
}

// NewSession creates a Session backed by store, which may be nil.
func NewSession(store Store) *Session {
	return &Session{
		store:     store,
		observers: make(map[uint64]func(string, bool)),
	}
}

// Restore loads a previously saved token. A missing token is not an error.
func (s *Session) Restore() error {
	if s.store == nil {
		return nil
	}
	token, err := s.store.Load()
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	s.set(token)
	return nil
}

// Token returns the current credential.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Login stores token and notifies observers.
func (s *Session) Login(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}
	if s.store != nil {
		if err := s.store.Save(token); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}
	s.set(token)
	return nil
}

// Logout forgets the token and notifies observers.
func (s *Session) Logout() error {
	var err error
	if s.store != nil {
		if rerr := s.store.Remove(); rerr != nil && !errors.Is(rerr, ErrNoToken) {
			err = fmt.Errorf("failed to remove token: %w", rerr)
		}
	}
	s.set("")
	return err
}

// OnChange registers fn to run after every Login and Logout.
func (s *Session) OnChange(fn func(token string, ok bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) set(token string) {
	s.mu.Lock()
	s.token = token
	fns := make([]func(string, bool), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(token, token != "")
	}
}

// FileStore keeps the token in a file readable only by the owner.
type FileStore struct {
	Path string
}

// DefaultTokenPath returns the token file location under the user config dir.
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(dir, "toy-chat-client", "token"), nil
}

// Load implements Store.
func (f FileStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Save implements Store.
func (f FileStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(token+"\n"), 0o600)
}

// Remove implements Store.
func (f FileStore) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoToken
	}
	return err
}

// Claims is the payload the backend signs into its tokens.
type Claims struct {
	UserID protocol.ID `json:"userId"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the token payload without verifying its signature;
// the client only needs to know who it is and when the token expires.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// Expired reports whether the claims carry an expiry before now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}
