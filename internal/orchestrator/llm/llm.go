// Package llm defines the thin capability abstraction the Conversation
// Orchestrator consumes (spec §2 component B): generate complete text,
// generate streamed chunks. Concrete clients (gemini.go) implement Client.
package llm

import "context"

// Turn is one role/content pair sent to the LLM, after the orchestrator's
// role mapping (system turns are not sent inline; assistant becomes
// "model"; anything else becomes "user").
type Turn struct {
	Role    string
	Content string
}

// Request is everything a single generate call needs.
type Request struct {
	SystemPrompt string
	History      []Turn
	MaxTokens    int
	Temperature  float32
	TopP         float32
	TopK         float32
}

// ChunkFunc receives one streamed chunk. Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// Client is the capability abstraction the orchestrator depends on. It
// deliberately has no notion of tasks, retries, or conversation context —
// those live in the orchestrator.
type Client interface {
	// Generate returns the complete response text for req.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream invokes onChunk for each streamed piece of the
	// response. If onChunk returns an error, the stream stops and that
	// error is returned; the orchestrator does not retry mid-stream.
	GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) error
}
