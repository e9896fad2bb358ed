// Package queue implements the Command Broker's bounded FIFO (spec §4.4).
package queue

import (
	"container/list"
	"sync"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/broker/models"
)

// DefaultMaxSize is the queue's default capacity (spec §4.4).
const DefaultMaxSize = 1000

// CommandQueue is a strict-FIFO queue of queued commands, bounded at
// maxSize. Unlike the teacher's priority heap, ordering here is purely
// enqueue order — spec §4.4 reserves priority classes for a future
// extension and defines a single class today.
type CommandQueue struct {
	mu      sync.RWMutex
	order   *list.List               // of *models.Command, head = next to dispatch
	byID    map[string]*list.Element // for O(1) Remove/Contains
	maxSize int
}

// NewCommandQueue creates a queue bounded at maxSize (0 or negative = DefaultMaxSize).
func NewCommandQueue(maxSize int) *CommandQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &CommandQueue{
		order:   list.New(),
		byID:    make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Enqueue admits cmd at the tail. Fails with BusinessLogic(QueueFull) if the
// queue is at capacity, or Duplicate if cmd.ID is already queued.
func (q *CommandQueue) Enqueue(cmd *models.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[cmd.ID]; exists {
		return apperrors.Duplicate("command", cmd.ID)
	}
	if q.order.Len() >= q.maxSize {
		return apperrors.BusinessLogic("command queue is full").WithDetails(map[string]any{"reason": "queue_full", "max_size": q.maxSize})
	}

	el := q.order.PushBack(cmd)
	q.byID[cmd.ID] = el
	return nil
}

// Dequeue removes and returns the head command, or nil if the queue is empty.
func (q *CommandQueue) Dequeue() *models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.order.Front()
	if front == nil {
		return nil
	}
	q.order.Remove(front)
	cmd := front.Value.(*models.Command)
	delete(q.byID, cmd.ID)
	return cmd
}

// Peek returns the head command without removing it.
func (q *CommandQueue) Peek() *models.Command {
	q.mu.RLock()
	defer q.mu.RUnlock()

	front := q.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*models.Command)
}

// Remove removes a specific queued command (cancel-while-queued). Returns
// false if the command is not present (already dequeued or never queued).
func (q *CommandQueue) Remove(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, exists := q.byID[commandID]
	if !exists {
		return false
	}
	q.order.Remove(el)
	delete(q.byID, commandID)
	return true
}

// Requeue puts cmd back at the tail, used when a retryable failure reissues
// a command after backoff rather than losing its place entirely.
func (q *CommandQueue) Requeue(cmd *models.Command) error {
	return q.Enqueue(cmd)
}

// Contains reports whether commandID is currently queued.
func (q *CommandQueue) Contains(commandID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.byID[commandID]
	return exists
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.order.Len()
}

// IsFull reports whether the queue is at capacity.
func (q *CommandQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.order.Len() >= q.maxSize
}

// List returns a point-in-time snapshot of queued commands in FIFO order.
func (q *CommandQueue) List() []*models.Command {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*models.Command, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		result = append(result, el.Value.(*models.Command))
	}
	return result
}

// Clear empties the queue.
func (q *CommandQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = list.New()
	q.byID = make(map[string]*list.Element)
}
