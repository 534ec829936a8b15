package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/logger"
	"github.com/Andrejs1979/cloud-code/internal/githubapp"
	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/store"
)

var (
	ErrCredentialsMissing = errors.New("GitHub App credentials are not configured")
	ErrNotInstalled       = errors.New("GitHub App is not installed on any account")
	ErrInstallationToken  = errors.New("could not obtain a GitHub installation token")
	ErrInvalidSignature   = errors.New("webhook signature does not match")
	ErrInvalidInput       = errors.New("invalid input")
)

// Cipher is satisfied by *vault.Vault.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

type RegisterInput struct {
	AppID         string
	PrivateKey    string
	WebhookSecret string
}

// SystemStatus summarizes what is configured. Nil pointers render as null.
type SystemStatus struct {
	AppID               *string `json:"appId"`
	InstallationID      *string `json:"installationId"`
	Owner               *string `json:"owner"`
	GitHubAppConfigured bool    `json:"githubAppConfigured"`
	ClaudeConfigured    bool    `json:"claudeConfigured"`
	Ready               bool    `json:"ready"`
	RepositoryCount     int     `json:"repositoryCount"`
}

type CredentialService interface {
	Register(ctx context.Context, in RegisterInput) (*model.AppCredentials, error)
	Clear(ctx context.Context) error
	Status(ctx context.Context) SystemStatus
	SafeView(ctx context.Context, appID string) (*model.SafeView, error)
	InstallationToken(ctx context.Context) (*githubapp.InstallationToken, error)
	Repository(ctx context.Context, fullName string) (*model.Repository, error)
	SyncRepositories(ctx context.Context) ([]model.Repository, error)
	VerifyWebhook(ctx context.Context, body []byte, signature string) error
	RecordWebhook(ctx context.Context, installationID *string) error
}

type CredentialServiceConfig struct {
	Name          string
	GitHubBaseURL string
	UserAgent     string
	LLMConfigured bool
	HTTPClient    *http.Client
	Clock         clock.Clock
}

type credentialService struct {
	store  store.CredentialStore
	cipher Cipher
	tokens *githubapp.TokenCache
	github *githubapp.Client
	cfg    CredentialServiceConfig
}

func NewCredentialService(credStore store.CredentialStore, cipher Cipher, cfg CredentialServiceConfig) CredentialService {
	if cfg.Name == "" {
		cfg.Name = model.DefaultCredentialName
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &credentialService{
		store:  credStore,
		cipher: cipher,
		tokens: githubapp.NewTokenCache(cfg.Clock),
		github: githubapp.NewClient(cfg.GitHubBaseURL, cfg.UserAgent, cfg.HTTPClient),
		cfg:    cfg,
	}
}

// Register encrypts and stores new app secrets. Installation, ownership,
// repositories and webhook bookkeeping of an existing record carry over.
func (s *credentialService) Register(ctx context.Context, in RegisterInput) (*model.AppCredentials, error) {
	if in.AppID == "" || in.PrivateKey == "" || in.WebhookSecret == "" {
		return nil, ErrInvalidInput
	}
	if _, err := githubapp.ParsePrivateKey([]byte(in.PrivateKey)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{AppID: logger.Ptr(in.AppID), Component: "cloudcode.service.credentials"})

	encryptedKey, err := s.cipher.Encrypt(in.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	encryptedSecret, err := s.cipher.Encrypt(in.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypting webhook secret: %w", err)
	}

	creds := &model.AppCredentials{
		Name:                   s.cfg.Name,
		AppID:                  in.AppID,
		EncryptedPrivateKey:    encryptedKey,
		EncryptedWebhookSecret: encryptedSecret,
		Owner:                  model.UnknownOwner(),
		Permissions:            githubapp.DefaultPermissions(),
		Events:                 githubapp.DefaultEvents(),
		Repositories:           []model.Repository{},
		CreatedAt:              s.cfg.Clock.Now(),
	}

	existing, err := s.store.Get(ctx, s.cfg.Name)
	switch {
	case err == nil:
		creds.Repositories = existing.Repositories
		creds.InstallationID = existing.InstallationID
		creds.Owner = existing.Owner
		creds.CreatedAt = existing.CreatedAt
		creds.LastWebhookAt = existing.LastWebhookAt
		creds.WebhookCount = existing.WebhookCount
		if len(existing.Permissions) > 0 {
			creds.Permissions = existing.Permissions
		}
		if len(existing.Events) > 0 {
			creds.Events = existing.Events
		}
		slog.InfoContext(ctx, "preserving existing credential metadata",
			"repository_count", len(creds.Repositories),
			"has_installation_id", creds.InstallationID != nil)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading existing credentials: %w", err)
	}

	if err := s.store.Upsert(ctx, creds); err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}
	if existing != nil {
		s.tokens.Forget(existing.AppID)
	}

	slog.InfoContext(ctx, "github app credentials stored")
	return creds, nil
}

func (s *credentialService) Clear(ctx context.Context) error {
	existing, err := s.store.Get(ctx, s.cfg.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading credentials: %w", err)
	}

	if err := s.store.Delete(ctx, s.cfg.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	s.tokens.Forget(existing.AppID)

	slog.InfoContext(ctx, "github app credentials cleared", "app_id", existing.AppID)
	return nil
}

// Status never fails: an unreadable store reports as unconfigured.
func (s *credentialService) Status(ctx context.Context) SystemStatus {
	status := SystemStatus{ClaudeConfigured: s.cfg.LLMConfigured}

	creds, err := s.store.Get(ctx, s.cfg.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to load credentials for status", "error", err)
		}
		return status
	}

	status.GitHubAppConfigured = creds.AppID != ""
	status.RepositoryCount = len(creds.Repositories)
	if creds.AppID != "" {
		status.AppID = &creds.AppID
	}
	status.InstallationID = creds.InstallationID
	if creds.Owner.Login != "" {
		status.Owner = &creds.Owner.Login
	}
	status.Ready = status.GitHubAppConfigured && status.ClaudeConfigured
	return status
}

func (s *credentialService) SafeView(ctx context.Context, appID string) (*model.SafeView, error) {
	creds, err := s.store.GetByAppID(ctx, appID)
	if err != nil {
		return nil, err
	}
	view := creds.SafeView()
	return &view, nil
}

// InstallationToken decrypts the app key and returns a token for the
// recorded installation. Decryption failures are never bypassed.
func (s *credentialService) InstallationToken(ctx context.Context) (*githubapp.InstallationToken, error) {
	creds, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if creds.InstallationID == nil || *creds.InstallationID == "" {
		return nil, ErrNotInstalled
	}

	privateKey, err := s.cipher.Decrypt(creds.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	issuer, err := githubapp.NewIssuer(githubapp.IssuerConfig{
		AppID:         creds.AppID,
		PrivateKeyPEM: []byte(privateKey),
		BaseURL:       s.cfg.GitHubBaseURL,
		UserAgent:     s.cfg.UserAgent,
		HTTPClient:    s.cfg.HTTPClient,
		Clock:         s.cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	tok, ok := s.tokens.Get(ctx, issuer, *creds.InstallationID)
	if !ok {
		return nil, ErrInstallationToken
	}
	return tok, nil
}

func (s *credentialService) Repository(ctx context.Context, fullName string) (*model.Repository, error) {
	tok, err := s.InstallationToken(ctx)
	if err != nil {
		return nil, err
	}

	repo, err := s.github.GetRepository(ctx, tok, fullName)
	if err != nil {
		return nil, err
	}
	out := toModelRepository(*repo)
	return &out, nil
}

func (s *credentialService) SyncRepositories(ctx context.Context) ([]model.Repository, error) {
	tok, err := s.InstallationToken(ctx)
	if err != nil {
		return nil, err
	}

	repos, err := s.github.ListInstallationRepositories(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("listing installation repositories: %w", err)
	}

	out := make([]model.Repository, len(repos))
	for i, r := range repos {
		out[i] = toModelRepository(r)
	}
	if err := s.store.UpdateRepositories(ctx, s.cfg.Name, out); err != nil {
		return nil, fmt.Errorf("storing repositories: %w", err)
	}

	slog.InfoContext(ctx, "installation repositories synced", "repository_count", len(out))
	return out, nil
}

func (s *credentialService) VerifyWebhook(ctx context.Context, body []byte, signature string) error {
	creds, err := s.load(ctx)
	if err != nil {
		return err
	}

	secret, err := s.cipher.Decrypt(creds.EncryptedWebhookSecret)
	if err != nil {
		return fmt.Errorf("decrypting webhook secret: %w", err)
	}
	if !githubapp.VerifySignature([]byte(secret), body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *credentialService) RecordWebhook(ctx context.Context, installationID *string) error {
	creds, err := s.store.RecordWebhook(ctx, s.cfg.Name, s.cfg.Clock.Now(), installationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCredentialsMissing
		}
		return fmt.Errorf("recording webhook: %w", err)
	}

	slog.DebugContext(ctx, "webhook recorded", "webhook_count", creds.WebhookCount)
	return nil
}

func (s *credentialService) load(ctx context.Context) (*model.AppCredentials, error) {
	creds, err := s.store.Get(ctx, s.cfg.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialsMissing
		}
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if !creds.HasSecrets() {
		return nil, ErrCredentialsMissing
	}
	return creds, nil
}

func toModelRepository(r githubapp.Repository) model.Repository {
	return model.Repository{
		ID:            r.ID,
		Name:          r.Name,
		FullName:      r.FullName,
		Private:       r.Private,
		DefaultBranch: r.DefaultBranch,
		CloneURL:      r.CloneURL,
	}
}

// RepoFullName extracts "owner/name" from a repository URL or returns name
// unchanged when it already has that form.
func RepoFullName(url, name string) string {
	if strings.Count(name, "/") == 1 {
		return name
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return name
}
