package enrichment

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"log/slog"
)

// LookupKind names the query types the consulta endpoint accepts.
type LookupKind string

const (
	LookupCPF   LookupKind = "cpf"
	LookupCNPJ  LookupKind = "cnpj"
	LookupPhone LookupKind = "telefone"
)

// Valid reports whether the kind maps to a vendor lookup route.
func (k LookupKind) Valid() bool {
	return k == LookupCPF || k == LookupCNPJ || k == LookupPhone
}

// LookupClient answers single-contact enrichment queries.
type LookupClient interface {
	Lookup(ctx context.Context, kind LookupKind, query string) (json.RawMessage, error)
}

// DatecodeClient talks to the Datecode data enrichment API.
type DatecodeClient struct {
	client
}

// NewDatecodeClient constructs a DatecodeClient.
func NewDatecodeClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *slog.Logger) *DatecodeClient {
	return &DatecodeClient{client: newClient(baseURL, apiKey, timeout, maxRetries, logger)}
}

// Lookup fetches the enrichment record for one document or phone number.
func (c *DatecodeClient) Lookup(ctx context.Context, kind LookupKind, query string) (json.RawMessage, error) {
	var out json.RawMessage
	path := "/v1/" + string(kind) + "/" + url.PathEscape(query)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
