package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-chat-client/internal/metrics"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

const (
	// DefaultHistoryLimit is the REST page size.
	DefaultHistoryLimit = 20
	// DefaultPeerTypingTimeout clears a peer's typing indicator that was never reset.
	DefaultPeerTypingTimeout = 5 * time.Second

	// reconcileWindow is how far apart the dates of a provisional message and
	// its server copy may be.
	reconcileWindow = 5 * time.Second
)

// MergePolicy controls how live frames are merged into a transcript.
type MergePolicy int

const (
	// MergeAppend appends every frame; the same message may appear twice.
	MergeAppend MergePolicy = iota
	// MergeDedup drops frames whose server id is already present and
	// upgrades provisional entries when their server copy arrives.
	MergeDedup
)

// String returns the string representation of MergePolicy
func (p MergePolicy) String() string {
	switch p {
	case MergeAppend:
		return "append"
	case MergeDedup:
		return "dedup"
	default:
		return "unknown"
	}
}

// ParseMergePolicy parses "append" or "dedup".
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return MergeAppend, nil
	case "dedup":
		return MergeDedup, nil
	default:
		return MergeAppend, fmt.Errorf("unknown merge policy %q", s)
	}
}

// HistorySource fetches pages of a conversation, oldest message first.
type HistorySource interface {
	Messages(ctx context.Context, peer protocol.ID, page protocol.Page) ([]protocol.Message, error)
}

// GapSource fetches the messages exchanged with peer after since, oldest first.
type GapSource interface {
	MessagesSince(ctx context.Context, peer protocol.ID, since time.Time) ([]protocol.Message, error)
}

// Cache keeps a local copy of transcripts.
type Cache interface {
	Put(peer protocol.ID, key string, m protocol.Message) error
	Recent(peer protocol.ID, limit int) ([]protocol.Message, error)
}

// ChangeKind tells watchers what happened to a transcript.
type ChangeKind int

const (
	Appended ChangeKind = iota
	Prepended
	Confirmed
	TypingChanged
)

// Change describes one transcript mutation. Messages holds the affected messages.
type Change struct {
	Kind       ChangeKind
	Messages   []protocol.Message
	PeerTyping bool
}

type entry struct {
	key         string
	msg         protocol.Message
	provisional bool
	cached      bool
	// fetched marks entries that came from a REST fetch rather than the stream.
	fetched bool
}

// ConversationOptions configures a Conversation.
type ConversationOptions struct {
	Peer    protocol.ID
	History HistorySource
	// Gaps is optional; without it CatchUp does nothing.
	Gaps GapSource
	// Cache is optional.
	Cache  Cache
	Limit  int
	Policy MergePolicy
	// PeerTypingTimeout of zero never clears the indicator locally.
	PeerTypingTimeout time.Duration
	Clock             clock.Clock
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
}

// Conversation is the transcript with one peer: a REST history merged with
// the live stream. The history is always inserted before whatever has
// already streamed in, so no live message is lost to a slow fetch.
type Conversation struct {
	peer          protocol.ID
	history       HistorySource
	gaps          GapSource
	cache         Cache
	limit         int
	policy        MergePolicy
	typingTimeout time.Duration
	clock         clock.Clock
	log           zerolog.Logger
	metrics       *metrics.Metrics

	// notifyMu keeps watcher calls in mutation order. Lock order: notifyMu before mu.
	notifyMu sync.Mutex

	mu          sync.Mutex
	entries     []entry
	ids         map[protocol.ID]struct{}
	hasMore     bool
	peerTyping  bool
	typingTimer *clock.Timer
	typingSeq   uint64
	watchers    map[uint64]func(Change)
	nextID      uint64
	closed      bool
}

// NewConversation creates an empty transcript for opts.Peer.
func NewConversation(opts ConversationOptions) *Conversation {
	if opts.Limit <= 0 {
		opts.Limit = DefaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Conversation{
		peer:          opts.Peer,
		history:       opts.History,
		gaps:          opts.Gaps,
		cache:         opts.Cache,
		limit:         opts.Limit,
		policy:        opts.Policy,
		typingTimeout: opts.PeerTypingTimeout,
		clock:         opts.Clock,
		log:           opts.Logger.With().Str("component", "conversation").Str("peer", string(opts.Peer)).Logger(),
		metrics:       opts.Metrics,
		ids:           make(map[protocol.ID]struct{}),
		hasMore:       true,
		watchers:      make(map[uint64]func(Change)),
	}
}

// Peer returns the other participant.
func (c *Conversation) Peer() protocol.ID {
	return c.peer
}

// Open fetches the most recent history page and inserts it before the
// streamed tail, replacing the page of an earlier Open. When the fetch fails
// and a cache is configured, cached messages stand in until a later Open
// succeeds; the error is still returned.
func (c *Conversation) Open(ctx context.Context) error {
	page, err := c.history.Messages(ctx, c.peer, protocol.Page{Limit: c.limit})
	c.metrics.HistoryFetched(err)
	if err != nil {
		c.fallbackToCache()
		return fmt.Errorf("failed to load history: %w", err)
	}

	c.prepend(page, true)
	return nil
}

// LoadOlder fetches the page before the oldest known message and prepends
// it. It returns the number of messages fetched.
func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	before := c.oldestLocked()
	c.mu.Unlock()

	page := protocol.Page{Limit: c.limit}
	if !before.IsZero() {
		page.Before = before.UTC().Format(time.RFC3339Nano)
	}
	msgs, err := c.history.Messages(ctx, c.peer, page)
	c.metrics.HistoryFetched(err)
	if err != nil {
		return 0, fmt.Errorf("failed to load older messages: %w", err)
	}

	c.prepend(msgs, false)
	return len(msgs), nil
}

// HasMore reports whether the last history fetch returned a full page.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

func (c *Conversation) oldestLocked() time.Time {
	var oldest time.Time
	for _, e := range c.entries {
		if e.msg.Date.IsZero() {
			continue
		}
		if oldest.IsZero() || e.msg.Date.Before(oldest) {
			oldest = e.msg.Date
		}
	}
	return oldest
}

func (c *Conversation) fallbackToCache() {
	if c.cache == nil {
		return
	}
	msgs, err := c.cache.Recent(c.peer, c.limit)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache read failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed || c.hasCachedLocked() {
		c.mu.Unlock()
		return
	}
	added := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		added = append(added, entry{key: entryKey(m.ID), msg: m, cached: true})
	}
	c.entries = append(added, c.entries...)
	c.mu.Unlock()

	c.log.Info().Int("messages", len(msgs)).Msg("showing cached history")
	c.notify(Change{Kind: Prepended, Messages: msgs})
}

func (c *Conversation) hasCachedLocked() bool {
	for _, e := range c.entries {
		if e.cached {
			return true
		}
	}
	return false
}

// prepend inserts a history page in front of the transcript. A fresh page
// replaces stand-in cached entries and everything fetched before; entries
// that arrived over the stream are kept.
func (c *Conversation) prepend(page []protocol.Message, fresh bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.hasMore = len(page) >= c.limit
	if fresh {
		c.entries = slices.DeleteFunc(c.entries, func(e entry) bool { return e.cached || e.fetched })
		c.rebuildIDsLocked()
	}

	var confirmed []entry
	added := make([]entry, 0, len(page))
	for _, m := range page {
		switch res, e := c.reconcileLocked(m); res {
		case mergeKnown:
			continue
		case mergeConfirmed:
			confirmed = append(confirmed, e)
			continue
		}
		if m.ID != "" {
			c.ids[m.ID] = struct{}{}
		}
		added = append(added, entry{key: entryKey(m.ID), msg: m, fetched: true})
	}
	c.entries = append(added, c.entries...)
	c.mu.Unlock()

	if len(confirmed) > 0 {
		c.store(confirmed)
		c.notify(Change{Kind: Confirmed, Messages: messagesOf(confirmed)})
	}
	if len(added) > 0 {
		c.store(added)
		c.notify(Change{Kind: Prepended, Messages: messagesOf(added)})
	}
}

func (c *Conversation) rebuildIDsLocked() {
	clear(c.ids)
	for _, e := range c.entries {
		if e.msg.ID != "" {
			c.ids[e.msg.ID] = struct{}{}
		}
	}
}

// CatchUp fetches the messages newer than the newest known one and appends
// those not already present, oldest first. It fills the gap left by a
// dropped connection and returns the number of messages appended.
func (c *Conversation) CatchUp(ctx context.Context) (int, error) {
	if c.gaps == nil {
		return 0, nil
	}
	c.mu.Lock()
	since := c.newestLocked()
	c.mu.Unlock()
	if since.IsZero() {
		return 0, nil
	}

	msgs, err := c.gaps.MessagesSince(ctx, c.peer, since)
	c.metrics.HistoryFetched(err)
	if err != nil {
		return 0, fmt.Errorf("failed to catch up: %w", err)
	}
	slices.SortStableFunc(msgs, func(a, b protocol.Message) int { return a.Date.Compare(b.Date) })

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil
	}
	var confirmed, added []entry
	for _, m := range msgs {
		if !m.Involves(c.peer) {
			continue
		}
		if _, ok := c.ids[m.ID]; ok && m.ID != "" {
			continue
		}
		if res, e := c.reconcileLocked(m); res == mergeConfirmed {
			confirmed = append(confirmed, e)
			continue
		}
		if m.ID != "" {
			c.ids[m.ID] = struct{}{}
		}
		e := entry{key: entryKey(m.ID), msg: m, fetched: true}
		c.entries = append(c.entries, e)
		added = append(added, e)
	}
	c.mu.Unlock()

	if len(confirmed) > 0 {
		c.store(confirmed)
		c.notify(Change{Kind: Confirmed, Messages: messagesOf(confirmed)})
	}
	if len(added) > 0 {
		c.log.Info().Int("messages", len(added)).Msg("caught up after reconnect")
		c.store(added)
		c.notify(Change{Kind: Appended, Messages: messagesOf(added)})
	}
	return len(added), nil
}

func (c *Conversation) newestLocked() time.Time {
	var newest time.Time
	for _, e := range c.entries {
		if e.msg.Date.After(newest) {
			newest = e.msg.Date
		}
	}
	return newest
}

// HandleMessage merges a live frame. Frames not involving the peer are ignored.
func (c *Conversation) HandleMessage(m protocol.ChatMessage) {
	if !m.Involves(c.peer) {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch res, confirmed := c.reconcileLocked(m.Message); res {
	case mergeKnown:
		c.mu.Unlock()
		return
	case mergeConfirmed:
		c.mu.Unlock()
		c.store([]entry{confirmed})
		c.notify(Change{Kind: Confirmed, Messages: []protocol.Message{confirmed.msg}})
		return
	}

	e := entry{key: entryKey(m.ID), msg: m.Message, provisional: m.ID == ""}
	if m.ID != "" {
		c.ids[m.ID] = struct{}{}
	}
	c.entries = append(c.entries, e)
	c.mu.Unlock()

	c.store([]entry{e})
	c.notify(Change{Kind: Appended, Messages: []protocol.Message{e.msg}})
}

type mergeResult int

const (
	mergeNew mergeResult = iota
	mergeKnown
	mergeConfirmed
)

// reconcileLocked applies the dedup policy to a message about to be merged.
// A message whose id is present is known. A message matching a provisional
// entry upgrades that entry in place, which is returned.
func (c *Conversation) reconcileLocked(m protocol.Message) (mergeResult, entry) {
	if c.policy != MergeDedup || m.ID == "" {
		return mergeNew, entry{}
	}
	if _, ok := c.ids[m.ID]; ok {
		return mergeKnown, entry{}
	}
	if i := c.provisionalMatchLocked(m); i >= 0 {
		c.ids[m.ID] = struct{}{}
		c.entries[i].msg.ID = m.ID
		c.entries[i].provisional = false
		return mergeConfirmed, c.entries[i]
	}
	return mergeNew, entry{}
}

func (c *Conversation) provisionalMatchLocked(m protocol.Message) int {
	for i, e := range c.entries {
		if !e.provisional {
			continue
		}
		if e.msg.FromUserID != m.FromUserID || e.msg.ToUserID != m.ToUserID || e.msg.Content != m.Content {
			continue
		}
		if d := e.msg.Date.Sub(m.Date); d > reconcileWindow || d < -reconcileWindow {
			continue
		}
		return i
	}
	return -1
}

// HandleTyping updates the peer's typing indicator.
func (c *Conversation) HandleTyping(t protocol.Typing) {
	if t.FromUserID != c.peer {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSeq++
	if t.IsTyping && c.typingTimeout > 0 {
		seq := c.typingSeq
		c.typingTimer = c.clock.AfterFunc(c.typingTimeout, func() { c.expireTyping(seq) })
	}
	changed := c.peerTyping != t.IsTyping
	c.peerTyping = t.IsTyping
	c.mu.Unlock()

	if changed {
		c.notify(Change{Kind: TypingChanged, PeerTyping: t.IsTyping})
	}
}

func (c *Conversation) expireTyping(seq uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed || seq != c.typingSeq || !c.peerTyping {
		c.mu.Unlock()
		return
	}
	c.peerTyping = false
	c.typingTimer = nil
	c.mu.Unlock()

	c.notify(Change{Kind: TypingChanged, PeerTyping: false})
}

// PeerTyping reports whether the peer is currently typing.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Messages returns the transcript in insertion order.
func (c *Conversation) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return messagesOf(c.entries)
}

// Sorted returns the transcript stably sorted by date.
func (c *Conversation) Sorted() []protocol.Message {
	msgs := c.Messages()
	slices.SortStableFunc(msgs, func(a, b protocol.Message) int {
		return a.Date.Compare(b.Date)
	})
	return msgs
}

// Handlers returns the router handlers feeding this conversation.
func (c *Conversation) Handlers() Handlers {
	return Handlers{Message: c.HandleMessage, Typing: c.HandleTyping}
}

// Watch registers fn for every change. fn runs without internal locks held
// but must not mutate the conversation.
func (c *Conversation) Watch(fn func(Change)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

// Close stops the typing timer and drops all watchers. Later frames are ignored.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.watchers = make(map[uint64]func(Change))
}

// notify must be called with notifyMu held and mu released.
func (c *Conversation) notify(ch Change) {
	c.mu.Lock()
	fns := make([]func(Change), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func (c *Conversation) store(entries []entry) {
	if c.cache == nil {
		return
	}
	for _, e := range entries {
		if err := c.cache.Put(c.peer, e.key, e.msg); err != nil {
			c.log.Warn().Err(err).Msg("cache write failed")
			return
		}
	}
}

func entryKey(id protocol.ID) string {
	if id != "" {
		return string(id)
	}
	return "local-" + uuid.NewString()
}

func messagesOf(entries []entry) []protocol.Message {
	msgs := make([]protocol.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.msg
	}
	return msgs
}
