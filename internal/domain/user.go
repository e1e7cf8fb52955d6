package domain

import "time"

// User represents an operator account belonging to a workspace.
type User struct {
	ID           string
	WorkspaceID  string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
