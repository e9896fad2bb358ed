// Package api provides HTTP handlers for the Conversation Orchestrator
// (spec §6 Conversation surface).
package api

// MessageRequest is the body for both the message and stream endpoints.
type MessageRequest struct {
	Message  string                 `json:"message" binding:"required"`
	Role     string                 `json:"role,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationRequest is the body for (re)creating a conversation.
type ConversationRequest struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// MessageResponse is the POST .../message response.
type MessageResponse struct {
	UserMessage         string          `json:"user_message"`
	AIResponse          string          `json:"ai_response"`
	Model               string          `json:"model"`
	ConversationSummary SummaryResponse `json:"conversation_summary"`
}

// SummaryResponse is the GET .../conversation response.
type SummaryResponse struct {
	MessageCount    int    `json:"message_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	LastUpdated     string `json:"last_updated"`
	HasSystemPrompt bool   `json:"has_system_prompt"`
}
