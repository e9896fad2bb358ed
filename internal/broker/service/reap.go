package service

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kandev/hub/internal/broker/models"
)

const reapSchedule = "@every 1m"

// StartReaper schedules the retention-window sweep (spec §4.4: terminal
// commands are retained for RetentionWindow to satisfy late status
// queries, then reaped). Returns the cron.Cron so the caller can Stop it
// on shutdown.
func (b *Broker) StartReaper() *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc(reapSchedule, b.reapExpiredCommands)
	if err != nil {
		b.logger.Warn("failed to schedule command reaper", zap.Error(err))
		return c
	}
	c.Start()
	return c
}

func (b *Broker) reapExpiredCommands() {
	cutoff := time.Now().Add(-b.cfg.RetentionWindow)

	b.mu.Lock()
	defer b.mu.Unlock()
	reaped := 0
	for id, cmd := range b.commands {
		if cmd.Status.IsTerminal() && cmd.CompletedAt != nil && cmd.CompletedAt.Before(cutoff) {
			delete(b.commands, id)
			reaped++
		}
	}
	if reaped > 0 {
		b.logger.Info("reaped expired commands", zap.Int("count", reaped))
	}
}

// HealthSnapshot is the §6 health/status payload for the broker.
type HealthSnapshot struct {
	QueueSize        int  `json:"queue_size"`
	Active           int  `json:"active"`
	Expired          int  `json:"expired"`
	SSHContextCount  int  `json:"ssh_context_count"`
	HeartbeatHealthy bool `json:"heartbeat_healthy"`
	IsConnected      bool `json:"is_connected"`
}

// Health reports queue depth, in-flight activity, stale-but-unreaped
// terminal commands, SSH registry size, and transport connectivity.
func (b *Broker) Health() HealthSnapshot {
	cutoff := time.Now().Add(-b.cfg.RetentionWindow)

	b.mu.RLock()
	active := 0
	expired := 0
	for _, cmd := range b.commands {
		if cmd.Status == models.CommandRunning {
			active++
		}
		if cmd.Status.IsTerminal() && cmd.CompletedAt != nil && cmd.CompletedAt.Before(cutoff) {
			expired++
		}
	}
	b.mu.RUnlock()

	b.sshMu.RLock()
	sshCount := len(b.ssh)
	b.sshMu.RUnlock()

	return HealthSnapshot{
		QueueSize:        b.queue.Len(),
		Active:           active,
		Expired:          expired,
		SSHContextCount:  sshCount,
		HeartbeatHealthy: b.transport.HeartbeatHealthy(),
		IsConnected:      b.transport.IsConnected(),
	}
}
