// Package engine implements the Task State Engine (spec §4.2): the task
// lifecycle state machine, turn transitions, retry accounting, progress
// tracking, and per-agent context storage. The Engine is the sole mutator
// of persisted task fields; the Store never bypasses it.
package engine

import (
	"time"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/task/models"
)

// legalTurns is the closed set a turn may move between; self-loops are
// rejected (§9 Open Questions: the source is silent, this spec rejects them).
var legalTurns = map[models.TaskTurn]bool{
	models.TurnUser:   true,
	models.TurnCursor: true,
	models.TurnGemini: true,
	models.TurnSystem: true,
}

// start transitions Pending -> ProcessingCursor and marks the task started.
func start(task *models.Task, now time.Time) error {
	if task.Status != models.TaskStatusPending {
		return apperrors.BusinessLogic("start requires status=pending").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	task.Status = models.TaskStatusProcessingCursor
	task.CurrentTurn = models.TurnCursor
	task.StartedAt = &now
	if task.Progress < 1 {
		task.Progress = 1
	}
	return nil
}

// advanceTurn moves current_turn to next, rejecting terminal tasks,
// self-loops, and turns outside the closed set.
func advanceTurn(task *models.Task, next models.TaskTurn) error {
	if task.Status.IsTerminal() {
		return apperrors.BusinessLogic("cannot advance turn on a terminal task").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	if !legalTurns[next] {
		return apperrors.BusinessLogic("unknown turn").WithDetails(map[string]any{"turn": string(next)})
	}
	if next == task.CurrentTurn {
		return apperrors.BusinessLogic("turn self-loop is rejected").
			WithDetails(map[string]any{"turn": string(next)})
	}

	previousTurn := task.CurrentTurn
	task.CurrentTurn = next

	switch next {
	case models.TurnCursor:
		task.Status = models.TaskStatusProcessingCursor
	case models.TurnGemini:
		task.Status = models.TaskStatusProcessingGemini
	case models.TurnUser:
		if previousTurn == models.TurnCursor {
			task.Status = models.TaskStatusAwaitingUserCursor
		} else {
			task.Status = models.TaskStatusAwaitingUserGemini
		}
	case models.TurnSystem:
		// Status is not respecified for the system turn; leave it as-is.
	}
	return nil
}

// complete transitions any non-terminal task to Completed with progress=100.
func complete(task *models.Task, now time.Time) error {
	if task.Status.IsTerminal() {
		return apperrors.BusinessLogic("task is already terminal").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	task.Status = models.TaskStatusCompleted
	task.Progress = 100
	finish(task, now)
	return nil
}

// fail transitions any non-terminal task to Failed, recording reason.
func fail(task *models.Task, reason string, now time.Time) error {
	if task.Status.IsTerminal() {
		return apperrors.BusinessLogic("task is already terminal").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	task.Status = models.TaskStatusFailed
	task.LastError = &reason
	finish(task, now)
	return nil
}

// cancelTask transitions any non-terminal task to Cancelled.
func cancelTask(task *models.Task, now time.Time) error {
	if task.Status.IsTerminal() {
		return apperrors.BusinessLogic("task is already terminal").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	task.Status = models.TaskStatusCancelled
	finish(task, now)
	return nil
}

// retry moves a Failed task back to Pending, consuming one retry attempt.
func retry(task *models.Task) error {
	if task.Status != models.TaskStatusFailed {
		return apperrors.BusinessLogic("retry requires status=failed").
			WithDetails(map[string]any{"status": string(task.Status)})
	}
	if task.RetryCount >= task.MaxRetries {
		return apperrors.BusinessLogic("retry budget exhausted").
			WithDetails(map[string]any{"retry_count": task.RetryCount, "max_retries": task.MaxRetries})
	}
	task.RetryCount++
	task.Status = models.TaskStatusPending
	task.CompletedAt = nil
	if task.Progress > 10 {
		task.Progress = 10
	}
	return nil
}

// finish sets completed_at and computes actual_duration for a terminal write.
func finish(task *models.Task, now time.Time) {
	task.CompletedAt = &now
	if task.StartedAt != nil {
		seconds := int(now.Sub(*task.StartedAt).Seconds())
		task.ActualSeconds = &seconds
	}
}

// clampProgress keeps progress within [0,100].
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
