package model

import "time"

// DefaultCredentialName keys the single GitHub App record of a deployment.
const DefaultCredentialName = "github-app-config"

type Owner struct {
	Login string `json:"login"`
	Type  string `json:"type"`
	ID    int64  `json:"id"`
}

// UnknownOwner is recorded when credentials are registered before the app
// is installed anywhere.
func UnknownOwner() Owner {
	return Owner{Login: "unknown", Type: "User", ID: 0}
}

type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch,omitempty"`
	CloneURL      string `json:"clone_url,omitempty"`
}

// AppCredentials is the stored GitHub App registration. The private key and
// webhook secret are vault ciphertexts and never leave the service layer.
type AppCredentials struct {
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
	LastWebhookAt          *time.Time        `json:"lastWebhookAt,omitempty"`
	InstallationID         *string           `json:"installationId,omitempty"`
	Permissions            map[string]string `json:"permissions"`
	Name                   string            `json:"-"`
	AppID                  string            `json:"appId"`
	EncryptedPrivateKey    string            `json:"-"`
	EncryptedWebhookSecret string            `json:"-"`
	Owner                  Owner             `json:"owner"`
	Events                 []string          `json:"events"`
	Repositories           []Repository      `json:"repositories"`
	WebhookCount           int64             `json:"webhookCount"`
}

func (c *AppCredentials) HasSecrets() bool {
	return c.EncryptedPrivateKey != "" && c.EncryptedWebhookSecret != ""
}

// SafeView is the public projection of AppCredentials.
type SafeView struct {
	CreatedAt      time.Time         `json:"createdAt"`
	LastWebhookAt  *time.Time        `json:"lastWebhookAt"`
	InstallationID *string           `json:"installationId"`
	Permissions    map[string]string `json:"permissions"`
	AppID          string            `json:"appId"`
	Owner          Owner             `json:"owner"`
	Events         []string          `json:"events"`
	Repositories   []Repository      `json:"repositories"`
	WebhookCount   int64             `json:"webhookCount"`
	HasCredentials bool              `json:"hasCredentials"`
}

func (c *AppCredentials) SafeView() SafeView {
	return SafeView{
		CreatedAt:      c.CreatedAt,
		LastWebhookAt:  c.LastWebhookAt,
		InstallationID: c.InstallationID,
		Permissions:    c.Permissions,
		AppID:          c.AppID,
		Owner:          c.Owner,
		Events:         c.Events,
		Repositories:   c.Repositories,
		WebhookCount:   c.WebhookCount,
		HasCredentials: c.HasSecrets(),
	}
}
