package service

import (
	"context"
	"time"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/broker/models"
)

// SSHContextInput is the caller-supplied shape for creating an
// SSHContext. ID must be alphanumeric/_/- and ≤100 chars (spec §3).
type SSHContextInput struct {
	ID               string
	Host             string
	Port             int
	Username         *string
	KeyPath          *string
	WorkingDirectory *string
	Env              map[string]string
}

// CreateSSHContext registers a new named remote endpoint.
func (b *Broker) CreateSSHContext(ctx context.Context, in SSHContextInput) (*models.SSHContext, error) {
	if err := validateSSHContextInput(in); err != nil {
		return nil, err
	}

	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	if _, exists := b.ssh[in.ID]; exists {
		return nil, apperrors.Duplicate("ssh_context", in.ID)
	}

	sc := &models.SSHContext{
		ID:               in.ID,
		Host:             in.Host,
		Port:             portOrDefault(in.Port),
		Username:         in.Username,
		KeyPath:          in.KeyPath,
		WorkingDirectory: in.WorkingDirectory,
		Env:              in.Env,
		IsActive:         true,
	}
	b.ssh[sc.ID] = sc
	cp := sc.Snapshot()
	return &cp, nil
}

// GetSSHContext returns a snapshot of a registered context.
func (b *Broker) GetSSHContext(id string) (*models.SSHContext, error) {
	b.sshMu.RLock()
	defer b.sshMu.RUnlock()
	sc, ok := b.ssh[id]
	if !ok {
		return nil, apperrors.NotFound("ssh_context", id)
	}
	cp := sc.Snapshot()
	return &cp, nil
}

// ListSSHContexts returns a snapshot of all registered contexts.
func (b *Broker) ListSSHContexts() []*models.SSHContext {
	b.sshMu.RLock()
	defer b.sshMu.RUnlock()
	out := make([]*models.SSHContext, 0, len(b.ssh))
	for _, sc := range b.ssh {
		cp := sc.Snapshot()
		out = append(out, &cp)
	}
	return out
}

// DeleteSSHContext removes a registered context. Commands that already
// captured a snapshot at enqueue time are unaffected (spec §3 invariant).
func (b *Broker) DeleteSSHContext(id string) error {
	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	if _, ok := b.ssh[id]; !ok {
		return apperrors.NotFound("ssh_context", id)
	}
	delete(b.ssh, id)
	return nil
}

// VerifySSHContext performs a liveness probe via the transport and, on
// success, updates last_verified.
func (b *Broker) VerifySSHContext(ctx context.Context, id string) error {
	b.sshMu.RLock()
	sc, ok := b.ssh[id]
	b.sshMu.RUnlock()
	if !ok {
		return apperrors.NotFound("ssh_context", id)
	}

	if err := b.transport.Verify(ctx, id); err != nil {
		return err
	}

	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	now := time.Now()
	sc.LastVerified = &now
	return nil
}

func validateSSHContextInput(in SSHContextInput) error {
	if in.ID == "" || len(in.ID) > 100 || !isAlphanumericDashUnderscore(in.ID) {
		return apperrors.ValidationError("id", "must be alphanumeric/_/- and at most 100 characters")
	}
	if in.Host == "" {
		return apperrors.ValidationError("host", "must not be empty")
	}
	if in.Port != 0 && (in.Port < 1 || in.Port > 65535) {
		return apperrors.ValidationError("port", "must be between 1 and 65535")
	}
	return nil
}

func portOrDefault(port int) int {
	if port == 0 {
		return 22
	}
	return port
}

func isAlphanumericDashUnderscore(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
