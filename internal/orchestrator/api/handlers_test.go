package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events/bus"
	"github.com/kandev/hub/internal/orchestrator/llm"
	"github.com/kandev/hub/internal/orchestrator/service"
	"github.com/kandev/hub/internal/task/engine"
	"github.com/kandev/hub/internal/task/repository"
)

type fakeLLM struct {
	reply  string
	chunks []string
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	return f.reply, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) error {
	for _, chunk := range f.chunks {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func setupTestRouter(t *testing.T, fake *fakeLLM) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepository()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	eventBus := bus.NewMemoryEventBus(log)
	eng := engine.New(repo, eventBus, log)
	orch := service.New(service.DefaultConfig(), fake, repo, eng, eventBus, log)

	router := gin.New()
	SetupRoutes(router.Group("/api"), orch, log)
	return router
}

func TestSendMessageEndpoint(t *testing.T) {
	router := setupTestRouter(t, &fakeLLM{reply: "OK"})

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(MessageRequest{Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/gemini/tasks/t1/message", &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AIResponse != "OK" {
		t.Errorf("expected AIResponse=OK, got %q", resp.AIResponse)
	}
	if resp.ConversationSummary.MessageCount != 2 {
		t.Errorf("expected 2 messages in summary, got %d", resp.ConversationSummary.MessageCount)
	}
}

func TestStreamMessageEndpointEmitsChunksThenEnd(t *testing.T) {
	router := setupTestRouter(t, &fakeLLM{chunks: []string{"hel", "lo"}})

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(MessageRequest{Message: "go"})
	req := httptest.NewRequest(http.MethodPost, "/api/gemini/tasks/t1/stream", &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var envelopes []streamEnvelope
	for scanner.Scan() {
		var env streamEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		envelopes = append(envelopes, env)
	}
	if len(envelopes) != 3 {
		t.Fatalf("expected 2 chunks + 1 end, got %d envelopes", len(envelopes))
	}
	last := envelopes[len(envelopes)-1]
	if last.Type != "end" || last.Content != "hello" {
		t.Errorf("expected terminal end envelope with full content, got %+v", last)
	}
}

func TestConversationLifecycleEndpoints(t *testing.T) {
	router := setupTestRouter(t, &fakeLLM{reply: "OK"})

	req := httptest.NewRequest(http.MethodPost, "/api/gemini/tasks/t1/conversation", strings.NewReader(`{"system_prompt":"be terse"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/gemini/tasks/t1/conversation", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/gemini/tasks/t1/conversation", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	var cleared map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &cleared)
	if !cleared["cleared"] {
		t.Error("expected cleared=true on first clear")
	}
}
