// File: internal/llmclient/client.go
package llmclient

import "context"

// GenerationRequest carries one prompt pair to the model.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string

	// ForceJSONFormat asks the backend for a machine-parseable response.
	// The code pattern capability always sets it; free-form prose is
	// useless to the pipeline.
	ForceJSONFormat bool
}

// Client is the narrow surface the code pattern capability depends on.
// Implementations handle transport, authentication and retries internally.
type Client interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
