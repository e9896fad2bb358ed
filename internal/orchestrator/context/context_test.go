package context

import (
	"strings"
	"testing"

	"github.com/kandev/hub/internal/task/models"
)

func TestNewConversationContextWithSystemPrompt(t *testing.T) {
	c := NewConversationContext("t1", "be helpful")
	if !c.HasSystem {
		t.Fatal("expected HasSystem=true")
	}
	if len(c.History) != 1 || c.History[0].Role != models.SenderSystem {
		t.Fatalf("expected system prompt as first history entry, got %+v", c.History)
	}
}

func TestAddMessageUpdatesTokenEstimate(t *testing.T) {
	c := NewConversationContext("t1", "")
	c.AddMessage(models.SenderUser, "12345678", nil) // 8 chars -> 2 tokens
	if c.EstimatedTokens != 2 {
		t.Errorf("expected 2 tokens, got %d", c.EstimatedTokens)
	}
}

func TestOptimizeRetainsSystemPromptAndRecentSuffix(t *testing.T) {
	c := NewConversationContext("t1", "sys")
	for i := 0; i < 50; i++ {
		c.AddMessage(models.SenderUser, strings.Repeat("x", 40), nil) // 40 chars -> 10 tokens each
	}

	c.Optimize(100)

	if c.EstimatedTokens > 100 {
		t.Errorf("expected estimated tokens <= 100, got %d", c.EstimatedTokens)
	}
	if !c.HasSystem || c.History[0].Role != models.SenderSystem {
		t.Fatal("expected system prompt retained as first entry")
	}
	// Last entry before optimize should still be the most recent entry after.
	last := c.History[len(c.History)-1]
	if last.Content != strings.Repeat("x", 40) {
		t.Error("expected most recent turn retained")
	}
}

func TestOptimizeNoopUnderBudget(t *testing.T) {
	c := NewConversationContext("t1", "")
	c.AddMessage(models.SenderUser, "hi", nil)
	before := c.EstimatedTokens
	c.Optimize(1000)
	if c.EstimatedTokens != before {
		t.Errorf("expected no change under budget, got %d vs %d", c.EstimatedTokens, before)
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(4)
	s.Create("t1", "")

	if _, ok := s.Get("t1"); !ok {
		t.Fatal("expected context to be present after Create")
	}
	if !s.Clear("t1") {
		t.Error("expected Clear to report removal")
	}
	if s.Clear("t1") {
		t.Error("expected second Clear to be idempotent (report no removal)")
	}
	if _, ok := s.Get("t1"); ok {
		t.Error("expected context absent after Clear")
	}
}
