// Package context implements the Conversation Orchestrator's in-memory
// ConversationContext store (spec §3, §4.3): per-task history, token
// estimation, and context-window optimization.
package context

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kandev/hub/internal/task/models"
)

// HistoryEntry is one turn in a conversation's in-memory history.
type HistoryEntry struct {
	Role      models.MessageSender
	Content   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// estimateTokens applies the spec's fixed approximation: ceil(chars/4).
// Precision is not required, only stability, so no tokenizer dependency
// is wired in (see SPEC_FULL.md).
func estimateTokens(content string) int {
	n := len(content)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// ConversationContext is the per-task conversation state the orchestrator
// sends to the LLM Client, distinct from the persisted Message history.
type ConversationContext struct {
	mu sync.Mutex

	TaskID         string
	History        []HistoryEntry
	SystemPrompt   string
	HasSystem      bool
	EstimatedTokens int
	LastUpdated    time.Time
}

// NewConversationContext creates an empty context, recording systemPrompt
// as the first history entry (role=system) when present.
func NewConversationContext(taskID string, systemPrompt string) *ConversationContext {
	c := &ConversationContext{
		TaskID:      taskID,
		LastUpdated: time.Now().UTC(),
	}
	if systemPrompt != "" {
		c.SystemPrompt = systemPrompt
		c.HasSystem = true
		c.appendLocked(models.SenderSystem, systemPrompt, map[string]interface{}{"preserved": true})
	}
	return c
}

// AddMessage appends a turn and updates the running token estimate.
func (c *ConversationContext) AddMessage(role models.MessageSender, content string, metadata map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(role, content, metadata)
}

func (c *ConversationContext) appendLocked(role models.MessageSender, content string, metadata map[string]interface{}) {
	c.History = append(c.History, HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	c.EstimatedTokens += estimateTokens(content)
	c.LastUpdated = time.Now().UTC()
}

// Optimize drops the oldest non-system turns until EstimatedTokens fits
// within maxTokens. The system turn, if any, is always retained and
// placed first; history otherwise retains a contiguous suffix of the
// most recent turns.
func (c *ConversationContext) Optimize(maxTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optimizeLocked(maxTokens)
}

func (c *ConversationContext) optimizeLocked(maxTokens int) {
	if c.EstimatedTokens <= maxTokens {
		return
	}

	budget := maxTokens
	var systemEntry *HistoryEntry
	if c.HasSystem {
		systemEntry = &HistoryEntry{
			Role:      models.SenderSystem,
			Content:   c.SystemPrompt,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]interface{}{"preserved": true},
		}
		budget -= estimateTokens(c.SystemPrompt)
	}

	kept := make([]HistoryEntry, 0, len(c.History))
	tokens := 0
	for i := len(c.History) - 1; i >= 0; i-- {
		entry := c.History[i]
		if c.HasSystem && entry.Role == models.SenderSystem {
			continue
		}
		entryTokens := estimateTokens(entry.Content)
		if tokens+entryTokens > budget {
			break
		}
		kept = append(kept, entry)
		tokens += entryTokens
	}
	// kept was built newest-first; reverse to restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	if systemEntry != nil {
		c.History = append([]HistoryEntry{*systemEntry}, kept...)
		tokens += estimateTokens(systemEntry.Content)
	} else {
		c.History = kept
	}
	c.EstimatedTokens = tokens
}

// Summary is the shape returned by the Orchestrator's summary(task_id) operation.
type Summary struct {
	MessageCount    int
	EstimatedTokens int
	LastUpdated     time.Time
	HasSystemPrompt bool
}

// Summary snapshots the context's current state.
func (c *ConversationContext) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		MessageCount:    len(c.History),
		EstimatedTokens: c.EstimatedTokens,
		LastUpdated:     c.LastUpdated,
		HasSystemPrompt: c.HasSystem,
	}
}

// Snapshot returns a copy of the current history, safe to read outside the lock.
func (c *ConversationContext) Snapshot() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HistoryEntry, len(c.History))
	copy(out, c.History)
	return out
}

// Store bounds the set of live ConversationContext objects with an LRU
// eviction policy, keyed by task id. This differs from the Store
// (persistence) component: evicting a context here only drops in-memory
// conversation state, never persisted tasks or messages.
type Store struct {
	cache *lru.Cache[string, *ConversationContext]
}

// DefaultMaxContexts bounds live per-task contexts held in memory at once.
const DefaultMaxContexts = 1024

// NewStore creates a context store with the given LRU capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultMaxContexts
	}
	cache, _ := lru.New[string, *ConversationContext](capacity)
	return &Store{cache: cache}
}

// Create installs a new context for taskID, replacing any existing one.
func (s *Store) Create(taskID string, systemPrompt string) *ConversationContext {
	c := NewConversationContext(taskID, systemPrompt)
	s.cache.Add(taskID, c)
	return c
}

// Get returns the live context for taskID, if any.
func (s *Store) Get(taskID string) (*ConversationContext, bool) {
	return s.cache.Get(taskID)
}

// Clear removes a task's context. Returns false if none was present,
// matching the orchestrator's idempotent clear(conversation) semantics.
func (s *Store) Clear(taskID string) bool {
	return s.cache.Remove(taskID)
}
