package dto

import (
	"time"

	"github.com/Andrejs1979/cloud-code/internal/model"
)

type RepositoryRequest struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

type SessionOptionsRequest struct {
	MaxTurns       int    `json:"maxTurns" binding:"gte=0"`
	PermissionMode string `json:"permissionMode"`
	CreatePR       bool   `json:"createPR"`
}

type StartSessionRequest struct {
	Prompt     string                `json:"prompt" binding:"required"`
	Repository *RepositoryRequest    `json:"repository"`
	Options    SessionOptionsRequest `json:"options"`
}

type SessionResponse struct {
	ID         string                   `json:"id"`
	Prompt     string                   `json:"prompt"`
	Repository *model.SessionRepository `json:"repository,omitempty"`
	Status     string                   `json:"status"`
	Turns      int                      `json:"turns"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"createdAt"`
	UpdatedAt  time.Time                `json:"updatedAt"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type CancelSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

func ToSessionResponse(rec model.SessionRecord) SessionResponse {
	return SessionResponse{
		ID:         rec.ID,
		Prompt:     rec.Prompt,
		Repository: rec.Repository,
		Status:     string(rec.Status),
		Turns:      rec.Turns,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}
