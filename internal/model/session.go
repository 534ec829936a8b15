package model

import "time"

type SessionStatus string

const (
	SessionStatusStarting  SessionStatus = "starting"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

type SessionRepository struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Branch string `json:"branch,omitempty"`
}

type SessionOptions struct {
	MaxTurns       int    `json:"maxTurns,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	CreatePR       bool   `json:"createPR,omitempty"`
}

// SessionRecord is the server-side registry entry for an interactive session.
type SessionRecord struct {
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	Repository *SessionRepository `json:"repository,omitempty"`
	ID         string             `json:"id"`
	Prompt     string             `json:"prompt"`
	Status     SessionStatus      `json:"status"`
	Error      string             `json:"error,omitempty"`
	Options    SessionOptions     `json:"options"`
	Turns      int                `json:"turns"`
}
