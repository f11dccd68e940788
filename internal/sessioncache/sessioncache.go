// Package sessioncache is the session cache (C4): an in-memory map from
// session id to (ConversationStore, last_touched) with TTL eviction, backed
// by the persistent store for creation and hydration (§4.4).
package sessioncache

import (
	"context"
	"sync"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/store"
)

// DefaultTTL matches §6's session_ttl_seconds default.
const DefaultTTL = 900 * time.Second

type entry struct {
	conv        *models.ConversationStore
	lastTouched time.Time
}

// Cache is the process-local session cache. Entries untouched for longer
// than ttl are dropped; a subsequent access rehydrates from the store.
type Cache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Config tunes the cache's TTL.
type Config struct {
	TTL time.Duration
}

// New constructs a Cache over s. It does not start any background sweep;
// expiry is checked lazily on access, same as the TTL check it is grounded
// on doing for deduplication entries.
func New(s store.Store, cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   s,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the session's ConversationStore, creating a new
// session via the store if sessionID is empty, or hydrating from the
// store's last N=20 messages on a cache miss (§4.4).
func (c *Cache) GetOrCreate(ctx context.Context, sessionID, userID string) (*models.ConversationStore, string, error) {
	if sessionID == "" {
		sess := &models.ChatSession{UserID: userID}
		if err := c.store.CreateSession(ctx, sess); err != nil {
			return nil, "", err
		}
		conv := &models.ConversationStore{SessionID: sess.ID}
		c.put(sess.ID, conv)
		return conv, sess.ID, nil
	}

	if conv := c.peek(sessionID); conv != nil {
		return conv, sessionID, nil
	}

	conv, err := c.hydrate(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	c.put(sessionID, conv)
	return conv, sessionID, nil
}

// Get returns the cached store for sessionID, or nil if absent or expired.
// Unlike GetOrCreate it never hydrates (§4.4).
func (c *Cache) Get(sessionID string) *models.ConversationStore {
	return c.peek(sessionID)
}

// AddTurn updates the in-memory store and durably appends the corresponding
// ChatMessages via the store, so the turn is visible to any subsequent
// get_or_create in the process after a cache miss (§4.4 invariant).
func (c *Cache) AddTurn(ctx context.Context, sessionID string, turn models.Turn, messages ...*models.ChatMessage) error {
	for _, m := range messages {
		if err := c.store.CreateMessage(ctx, m); err != nil {
			return err
		}
		if err := c.store.AppendSessionMessage(ctx, sessionID, m.ID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	e, ok := c.entries[sessionID]
	if !ok {
		e = &entry{conv: &models.ConversationStore{SessionID: sessionID}}
		c.entries[sessionID] = e
	}
	e.conv.AddTurn(turn)
	e.lastTouched = c.now()
	c.mu.Unlock()
	return nil
}

// peek returns a clone of the cached entry if present and unexpired,
// touching its last-access time; it evicts the entry in place if expired.
func (c *Cache) peek(sessionID string) *models.ConversationStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return nil
	}
	if c.now().Sub(e.lastTouched) >= c.ttl {
		delete(c.entries, sessionID)
		return nil
	}
	e.lastTouched = c.now()
	return e.conv.Clone()
}

func (c *Cache) put(sessionID string, conv *models.ConversationStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = &entry{conv: conv, lastTouched: c.now()}
}

// hydrate rebuilds a ConversationStore from the last N=20 durable messages,
// folding consecutive user/assistant pairs into Turns (§4.4).
func (c *Cache) hydrate(ctx context.Context, sessionID string) (*models.ConversationStore, error) {
	msgs, err := c.store.ListSessionMessages(ctx, sessionID, models.MaxTurns*2)
	if err != nil {
		return nil, err
	}

	conv := &models.ConversationStore{SessionID: sessionID}
	var pendingUser *models.ChatMessage
	for _, m := range msgs {
		switch m.Role {
		case "user":
			pendingUser = m
		case "assistant":
			if pendingUser == nil {
				continue // an assistant message with no preceding user turn (e.g. system notice); skip
			}
			summary := ""
			if pendingUser.HasAnalysisReference() {
				if m.AnalysisSnapshot != nil {
					summary = m.AnalysisSnapshot.Title
				}
			}
			conv.AddTurn(models.Turn{
				UserQuery:       pendingUser.OriginalQuestion,
				ExpandedQuery:   pendingUser.Content,
				QueryType:       pendingUser.QueryType,
				AnalysisSummary: summary,
				LastTouched:     m.UpdatedAt,
			})
			pendingUser = nil
		}
	}
	return conv, nil
}

// Evict drops sessionID's cache entry regardless of TTL, forcing the next
// access to rehydrate. Used by tests and by admin/debug tooling.
func (c *Cache) Evict(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// Len reports the number of cached entries (debugging/metrics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
