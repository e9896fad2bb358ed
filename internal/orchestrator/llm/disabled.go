package llm

import (
	"context"

	apperrors "github.com/kandev/hub/internal/common/errors"
)

// DisabledClient rejects every call with a Configuration error. Used when
// llm.apiKey is unset so the hub can still start and serve task/command
// traffic without a usable Conversation Orchestrator.
type DisabledClient struct{}

func (DisabledClient) Generate(ctx context.Context, req Request) (string, error) {
	return "", apperrors.Configuration("llm.apiKey is not configured")
}

func (DisabledClient) GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	return apperrors.Configuration("llm.apiKey is not configured")
}
