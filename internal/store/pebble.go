// Package store caches conversation transcripts on disk.
package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/pebble"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

const prefix = "transcript/"

// Store persists messages in a PebbleDB key-value store.
// Keys are transcript/<peer>/<20-digit unix nanos>/<entry key>, so a prefix
// scan over one peer yields its messages in date order.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

func peerPrefix(peer protocol.ID) []byte {
	return []byte(prefix + url.PathEscape(string(peer)) + "/")
}

// peerUpperBound is the first key after every key of peer.
func peerUpperBound(peer protocol.ID) []byte {
	p := peerPrefix(peer)
	p[len(p)-1]++
	return p
}

func messageKey(peer protocol.ID, key string, date time.Time) []byte {
	nanos := int64(0)
	if !date.IsZero() && date.UnixNano() > 0 {
		nanos = date.UnixNano()
	}
	return fmt.Appendf(peerPrefix(peer), "%020d/%s", nanos, key)
}

// Put stores m under key in peer's transcript, replacing an earlier copy.
func (s *Store) Put(peer protocol.ID, key string, m protocol.Message) error {
	val, err := encode(m)
	if err != nil {
		return err
	}
	if err := s.db.Set(messageKey(peer, key, m.Date), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Recent returns at most limit of peer's newest messages, oldest first.
// A limit of zero or less returns all of them.
func (s *Store) Recent(peer protocol.ID, limit int) ([]protocol.Message, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: peerPrefix(peer),
		UpperBound: peerUpperBound(peer),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	var out []protocol.Message
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		m, err := decode(it.Value())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan transcript: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Clear removes peer's transcript.
func (s *Store) Clear(peer protocol.ID) error {
	if err := s.db.DeleteRange(peerPrefix(peer), peerUpperBound(peer), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encode stores a message as a protobuf Struct.
func encode(m protocol.Message) ([]byte, error) {
	rec, err := structpb.NewStruct(map[string]any{
		"id":         string(m.ID),
		"fromUserId": string(m.FromUserID),
		"toUserId":   string(m.ToUserID),
		"content":    m.Content,
		"date":       m.Date.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build record: %w", err)
	}
	data, err := proto.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (protocol.Message, error) {
	var rec structpb.Struct
	if err := proto.Unmarshal(data, &rec); err != nil {
		return protocol.Message{}, fmt.Errorf("failed to decode record: %w", err)
	}
	fields := rec.GetFields()
	str := func(name string) string { return fields[name].GetStringValue() }

	m := protocol.Message{
		ID:         protocol.ID(str("id")),
		FromUserID: protocol.ID(str("fromUserId")),
		ToUserID:   protocol.ID(str("toUserId")),
		Content:    str("content"),
	}
	if d := str("date"); d != "" {
		date, err := time.Parse(time.RFC3339Nano, d)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("failed to decode date: %w", err)
		}
		if date.UnixNano() > 0 {
			m.Date = date
		}
	}
	return m, nil
}
