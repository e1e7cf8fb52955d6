package domain

import (
	"encoding/json"
	"time"
)

// Lookup records an enrichment call made on behalf of a workspace.
type Lookup struct {
	ID          int64
	WorkspaceID string
	Provider    string
	Kind        string
	Query       string
	Succeeded   bool
	Response    json.RawMessage
	CreatedAt   time.Time
}
