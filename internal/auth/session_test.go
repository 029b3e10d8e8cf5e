package auth_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-chat-client/internal/auth"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

func TestSession_LoginLogout(t *testing.T) {
	s := auth.NewSession(nil)

	var events []bool
	s.OnChange(func(_ string, ok bool) { events = append(events, ok) })

	_, ok := s.Token()
	assert.False(t, ok)

	require.NoError(t, s.Login("tok"))
	token, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok", token)

	require.NoError(t, s.Logout())
	_, ok = s.Token()
	assert.False(t, ok)

	assert.Equal(t, []bool{true, false}, events)
}

func TestSession_LoginRejectsEmptyToken(t *testing.T) {
	s := auth.NewSession(nil)
	assert.Error(t, s.Login("  "))
}

func TestSession_PersistsToken(t *testing.T) {
	store := auth.FileStore{Path: filepath.Join(t.TempDir(), "nested", "token")}

	s := auth.NewSession(store)
	require.NoError(t, s.Login("tok"))

	info, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	restored := auth.NewSession(store)
	require.NoError(t, restored.Restore())
	token, ok := restored.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok", token)

	require.NoError(t, restored.Logout())
	_, err = store.Load()
	assert.ErrorIs(t, err, auth.ErrNoToken)

	// nothing stored is not an error
	require.NoError(t, auth.NewSession(store).Restore())
	require.NoError(t, auth.NewSession(store).Logout())
}

func TestSession_Unsubscribe(t *testing.T) {
	s := auth.NewSession(nil)

	calls := 0
	cancel := s.OnChange(func(string, bool) { calls++ })
	require.NoError(t, s.Login("a"))
	cancel()
	require.NoError(t, s.Login("b"))

	assert.Equal(t, 1, calls)
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": 42,
		"iat":    time.Now().Unix(),
		"exp":    exp.Unix(),
	}).SignedString([]byte("server-secret"))
	require.NoError(t, err)

	claims, err := auth.ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID("42"), claims.UserID)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, claims.ExpiresAt.Time.Equal(exp))
	assert.False(t, claims.Expired(time.Now()))
	assert.True(t, claims.Expired(exp.Add(time.Second)))

	_, err = auth.ParseClaims("not-a-jwt")
	assert.Error(t, err)
}
