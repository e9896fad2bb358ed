// Package ws implements the client-facing socket surface (spec §6
// "Bidirectional client socket messages"): per-task/per-command event
// fan-out to any number of subscribed browser/collaborator sockets, plus
// two inbound channels (command, LLM) that drive the Broker and
// Orchestrator. Distinct from internal/broker/transport, which is the
// single connectionful link to the IDE automation agent.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events"
	"github.com/kandev/hub/internal/events/bus"
)

// Hub fans events out to subscribed clients, grouped by subject (a task id
// or command id). One Hub instance serves every websocket connection.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu            sync.RWMutex
	subscriptions map[string]map[*Client]bool

	taskSub    bus.Subscription
	commandSub bus.Subscription
}

// NewHub constructs a Hub and subscribes it to the task and command
// wildcard subjects so every lifecycle event is available to fan out.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		eventBus:      eventBus,
		logger:        log,
		subscriptions: make(map[string]map[*Client]bool),
	}

	taskSub, err := eventBus.Subscribe(events.TaskWildcardSubject(), h.handleTaskEvent)
	if err != nil {
		return nil, err
	}
	h.taskSub = taskSub

	commandSub, err := eventBus.Subscribe(events.CommandWildcardSubject(), h.handleCommandEvent)
	if err != nil {
		taskSub.Unsubscribe()
		return nil, err
	}
	h.commandSub = commandSub

	return h, nil
}

// Close tears down the Hub's bus subscriptions. Connected clients are not
// forcibly closed; callers close the HTTP server, which drains them.
func (h *Hub) Close() {
	if h.taskSub != nil {
		h.taskSub.Unsubscribe()
	}
	if h.commandSub != nil {
		h.commandSub.Unsubscribe()
	}
}

// Register adds a client and its initial subscription key (a task id).
func (h *Hub) Register(c *Client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscriptions[key] == nil {
		h.subscriptions[key] = make(map[*Client]bool)
	}
	h.subscriptions[key][c] = true
}

// Unregister removes a client from every subscription it holds and closes
// its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	for key, clients := range h.subscriptions {
		if clients[c] {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.subscriptions, key)
			}
		}
	}
	h.mu.Unlock()
	close(c.send)
}

func (h *Hub) handleTaskEvent(ctx context.Context, evt *bus.Event) error {
	taskID, _ := evt.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	h.broadcast(taskID, outboundEnvelope{Type: "status_update", Data: evt.Data})
	return nil
}

func (h *Hub) handleCommandEvent(ctx context.Context, evt *bus.Event) error {
	taskID, _ := evt.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	h.broadcast(taskID, outboundEnvelope{Type: "command_status", Data: evt.Data})
	return nil
}

type outboundEnvelope struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (h *Hub) broadcast(key string, env outboundEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("failed to marshal outbound envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.subscriptions[key]))
	for c := range h.subscriptions[key] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.Send(payload) {
			h.logger.Warn("dropping slow client", zap.String("key", key))
		}
	}
}

// sendDirect pushes a one-off envelope directly to a single client (used for
// synchronous replies like command_queued that don't originate on the bus).
func (h *Hub) sendDirect(c *Client, env outboundEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Send(payload)
}
