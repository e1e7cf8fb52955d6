package enrichment

import (
	"context"
	"time"

	"log/slog"
)

// Filter narrows an extraction to a market segment and region.
type Filter struct {
	Segment string `json:"segmento"`
	City    string `json:"cidade"`
	State   string `json:"uf"`
}

// Record is one prospect row returned by the extraction vendor.
type Record struct {
	Name     string `json:"nome"`
	Phone    string `json:"telefone"`
	Email    string `json:"email"`
	Document string `json:"documento"`
}

// ExtractionClient sells prospect records in bulk.
type ExtractionClient interface {
	// Available reports how many records the vendor holds for the filter.
	Available(ctx context.Context, filter Filter) (int, error)
	// Fetch returns up to quantity records matching the filter.
	Fetch(ctx context.Context, filter Filter, quantity int) ([]Record, error)
}

// ProfileClient talks to the Profile prospect database API.
type ProfileClient struct {
	client
}

// NewProfileClient constructs a ProfileClient.
func NewProfileClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *slog.Logger) *ProfileClient {
	return &ProfileClient{client: newClient(baseURL, apiKey, timeout, maxRetries, logger)}
}

type countRequest struct {
	Filter Filter `json:"filtro"`
}

type countResponse struct {
	Total int `json:"total"`
}

type fetchRequest struct {
	Filter   Filter `json:"filtro"`
	Quantity int    `json:"quantidade"`
}

type fetchResponse struct {
	Records []Record `json:"registros"`
}

// Available counts the records the vendor holds for the filter.
func (c *ProfileClient) Available(ctx context.Context, filter Filter) (int, error) {
	var out countResponse
	if err := c.doJSON(ctx, "POST", "/v1/extracoes/contagem", countRequest{Filter: filter}, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// Fetch pulls up to quantity prospect records matching the filter.
func (c *ProfileClient) Fetch(ctx context.Context, filter Filter, quantity int) ([]Record, error) {
	var out fetchResponse
	if err := c.doJSON(ctx, "POST", "/v1/extracoes", fetchRequest{Filter: filter, Quantity: quantity}, &out); err != nil {
		return nil, err
	}
	if len(out.Records) > quantity {
		out.Records = out.Records[:quantity]
	}
	return out.Records, nil
}
