package domain

import "time"

// Lead is a contact placed on a funnel stage.
type Lead struct {
	ID          string
	WorkspaceID string
	FunnelID    string
	StageID     string
	Name        string
	Phone       string
	Email       string
	Document    string
	Source      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
