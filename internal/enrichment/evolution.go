package enrichment

import (
	"context"
	"time"

	"log/slog"
)

// Messenger sends WhatsApp messages to leads.
type Messenger interface {
	SendText(ctx context.Context, instance, phone, text string) error
}

// EvolutionClient talks to an Evolution API instance for WhatsApp messaging.
type EvolutionClient struct {
	client
}

// NewEvolutionClient constructs an EvolutionClient.
func NewEvolutionClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *slog.Logger) *EvolutionClient {
	return &EvolutionClient{client: newClient(baseURL, apiKey, timeout, maxRetries, logger)}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText delivers a plain text message through the named instance.
func (c *EvolutionClient) SendText(ctx context.Context, instance, phone, text string) error {
	return c.doJSON(ctx, "POST", "/message/sendText/"+instance, sendTextRequest{Number: phone, Text: text}, nil)
}
