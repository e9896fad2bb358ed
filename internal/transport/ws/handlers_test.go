package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	brokersvc "github.com/kandev/hub/internal/broker/service"
	"github.com/kandev/hub/internal/broker/transport"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events/bus"
	"github.com/kandev/hub/internal/orchestrator/llm"
	orchsvc "github.com/kandev/hub/internal/orchestrator/service"
	"github.com/kandev/hub/internal/task/engine"
	"github.com/kandev/hub/internal/task/repository"
)

type connectedTransport struct{}

func (connectedTransport) IsConnected() bool      { return true }
func (connectedTransport) HeartbeatHealthy() bool { return true }
func (connectedTransport) Dispatch(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	return transport.Envelope{Type: transport.EnvelopeResult, Data: map[string]interface{}{"output": "ok"}}, nil
}
func (connectedTransport) Abort(ctx context.Context, commandID string) error     { return nil }
func (connectedTransport) Verify(ctx context.Context, sshContextID string) error { return nil }
func (connectedTransport) Close() error                                         { return nil }

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

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	b := brokersvc.New(brokersvc.Config{
		QueueMaxSize:      10,
		MaxRetries:        1,
		DefaultTimeout:    2 * time.Second,
		HeartbeatInterval: time.Second,
		RetentionWindow:   time.Minute,
	}, connectedTransport{}, eventBus, log)
	t.Cleanup(b.Shutdown)

	repo := repository.NewMemoryRepository()
	eng := engine.New(repo, eventBus, log)
	orch := orchsvc.New(orchsvc.DefaultConfig(), &fakeLLM{reply: "OK", chunks: []string{"hel", "lo"}}, repo, eng, eventBus, log)

	hub, err := NewHub(eventBus, log)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(hub.Close)

	router := gin.New()
	SetupRoutes(router.Group("/api"), hub, b, orch, log)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readReply reads frames until one that is not a hub status_update
// broadcast: the hub also fans this task's bus events out to the socket,
// interleaved with the channel's direct replies.
func readReply(conn *websocket.Conn) (outboundEnvelope, error) {
	for {
		var env outboundEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return env, err
		}
		if env.Type != "status_update" {
			return env, nil
		}
	}
}

func TestCommandChannelStatusRequest(t *testing.T) {
	server := setupTestServer(t)
	conn := dialWS(t, server, "/api/ws/tasks/t1/commands")

	if err := conn.WriteJSON(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env outboundEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "status_update" {
		t.Errorf("expected status_update, got %s", env.Type)
	}
}

func TestCommandChannelEnqueueRequest(t *testing.T) {
	server := setupTestServer(t)
	conn := dialWS(t, server, "/api/ws/tasks/t1/commands")

	in := commandInbound{Type: "command", CommandType: "prompt", Content: "do it"}
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env outboundEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "command_queued" {
		t.Fatalf("expected command_queued, got %s: %+v", env.Type, env)
	}
	if env.Data["command_id"] == nil || env.Data["command_id"] == "" {
		t.Error("expected a non-empty command_id")
	}
}

func TestLLMChannelNonStreamingMessage(t *testing.T) {
	server := setupTestServer(t)
	conn := dialWS(t, server, "/api/ws/tasks/t2/llm")

	if err := conn.WriteJSON(llmInbound{Message: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := readReply(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "complete_response" {
		t.Fatalf("expected complete_response, got %s", env.Type)
	}
	if env.Data["response"] != "OK" {
		t.Errorf("expected response=OK, got %v", env.Data["response"])
	}
}

func TestLLMChannelStreamingMessage(t *testing.T) {
	server := setupTestServer(t)
	conn := dialWS(t, server, "/api/ws/tasks/t3/llm")

	if err := conn.WriteJSON(llmInbound{Message: "hi", Stream: true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var envs []outboundEnvelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 4; i++ {
		env, err := readReply(conn)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		envs = append(envs, env)
	}

	if envs[0].Type != "stream_start" {
		t.Errorf("expected first envelope stream_start, got %s", envs[0].Type)
	}
	last := envs[len(envs)-1]
	if last.Type != "stream_end" {
		t.Errorf("expected last envelope stream_end, got %s", last.Type)
	}
	if last.Data["full_response"] != "hello" {
		t.Errorf("expected full_response=hello, got %v", last.Data["full_response"])
	}
}

func TestCommandChannelAnswersFirstStatusRequest(t *testing.T) {
	server := setupTestServer(t)
	conn := dialWS(t, server, "/api/ws/tasks/t4/commands")

	var raw json.RawMessage
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	if err := conn.WriteJSON(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatalf("expected initial status_update, got err: %v", err)
	}
}
