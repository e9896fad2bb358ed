package llm

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/genai"

	apperrors "github.com/kandev/hub/internal/common/errors"
)

// GeminiConfig mirrors the configuration the orchestrator loads from
// llm.* (spec §6), plus the model name and sampling parameters the
// generative-model capability needs.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        float32
}

// GeminiClient implements Client against Google's generative-language API.
type GeminiClient struct {
	client *genai.Client
	model  string
	cfg    GeminiConfig
}

// NewGeminiClient constructs a GeminiClient bound to cfg.APIKey.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configuration("llm.apiKey is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperrors.Configuration(fmt.Sprintf("failed to initialize gemini client: %v", err))
	}
	return &GeminiClient{client: client, model: cfg.Model, cfg: cfg}, nil
}

func (g *GeminiClient) generateConfig(req Request) *genai.GenerateContentConfig {
	temperature, topP, topK := req.Temperature, req.TopP, req.TopK
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}
	if topP == 0 {
		topP = g.cfg.TopP
	}
	if topK == 0 {
		topK = g.cfg.TopK
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		TopP:            genai.Ptr(topP),
		TopK:            genai.Ptr(topK),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	return cfg
}

func turnsToContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		contents = append(contents, genai.NewContentFromText(t.Content, genai.Role(t.Role)))
	}
	return contents
}

// Generate returns the complete response text for req.
func (g *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, turnsToContents(req.History), g.generateConfig(req))
	if err != nil {
		return "", apperrors.ExternalService("gemini", err)
	}
	return resp.Text(), nil
}

// GenerateStream invokes onChunk for each streamed piece of the response.
func (g *GeminiClient) GenerateStream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	stream := g.client.Models.GenerateContentStream(ctx, g.model, turnsToContents(req.History), g.generateConfig(req))
	for resp, err := range stream {
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return apperrors.ExternalService("gemini", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := onChunk(text); err != nil {
			return err
		}
	}
	return nil
}
