package domain

import "time"

// Funnel is a named kanban pipeline owned by a workspace.
type Funnel struct {
	ID          string
	WorkspaceID string
	Name        string
	Color       string
	Active      bool
	CreatedAt   time.Time
}

// Stage is a pipeline column inside a funnel. Positions of a funnel's stages
// form a dense 1..N permutation; deleting a stage leaves a gap.
type Stage struct {
	ID        string
	FunnelID  string
	Name      string
	Color     string
	Position  int
	CreatedAt time.Time
}
