package handler_test

import (
	"context"
	"sync"

	"github.com/Andrejs1979/cloud-code/internal/agent"
	"github.com/Andrejs1979/cloud-code/internal/githubapp"
	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/queue"
	"github.com/Andrejs1979/cloud-code/internal/service"
)

type mockSessionService struct {
	startFn  func(ctx context.Context, in service.StartInput) (*model.SessionRecord, error)
	runFn    func(ctx context.Context, rec *model.SessionRecord, emit agent.Emit)
	cancelFn func(ctx context.Context, id string) (*model.SessionRecord, error)
	getFn    func(ctx context.Context, id string) (*model.SessionRecord, error)
	listFn   func(ctx context.Context, limit int) ([]model.SessionRecord, error)
}

func (m *mockSessionService) Start(ctx context.Context, in service.StartInput) (*model.SessionRecord, error) {
	if m.startFn != nil {
		return m.startFn(ctx, in)
	}
	return &model.SessionRecord{ID: "1", Prompt: in.Prompt, Status: model.SessionStatusStarting}, nil
}

func (m *mockSessionService) Run(ctx context.Context, rec *model.SessionRecord, emit agent.Emit) {
	if m.runFn != nil {
		m.runFn(ctx, rec, emit)
	}
}

func (m *mockSessionService) Cancel(ctx context.Context, id string) (*model.SessionRecord, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionService) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionService) List(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit)
	}
	return nil, nil
}

type mockCredentialService struct {
	registerFn      func(ctx context.Context, in service.RegisterInput) (*model.AppCredentials, error)
	clearFn         func(ctx context.Context) error
	statusFn        func(ctx context.Context) service.SystemStatus
	safeViewFn      func(ctx context.Context, appID string) (*model.SafeView, error)
	syncFn          func(ctx context.Context) ([]model.Repository, error)
	verifyWebhookFn func(ctx context.Context, body []byte, signature string) error
	recordWebhookFn func(ctx context.Context, installationID *string) error
}

func (m *mockCredentialService) Register(ctx context.Context, in service.RegisterInput) (*model.AppCredentials, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return &model.AppCredentials{AppID: in.AppID}, nil
}

func (m *mockCredentialService) Clear(ctx context.Context) error {
	if m.clearFn != nil {
		return m.clearFn(ctx)
	}
	return nil
}

func (m *mockCredentialService) Status(ctx context.Context) service.SystemStatus {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return service.SystemStatus{}
}

func (m *mockCredentialService) SafeView(ctx context.Context, appID string) (*model.SafeView, error) {
	if m.safeViewFn != nil {
		return m.safeViewFn(ctx, appID)
	}
	return nil, nil
}

func (m *mockCredentialService) InstallationToken(context.Context) (*githubapp.InstallationToken, error) {
	return nil, service.ErrCredentialsMissing
}

func (m *mockCredentialService) Repository(context.Context, string) (*model.Repository, error) {
	return nil, service.ErrCredentialsMissing
}

func (m *mockCredentialService) SyncRepositories(ctx context.Context) ([]model.Repository, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx)
	}
	return nil, nil
}

func (m *mockCredentialService) VerifyWebhook(ctx context.Context, body []byte, signature string) error {
	if m.verifyWebhookFn != nil {
		return m.verifyWebhookFn(ctx, body, signature)
	}
	return nil
}

func (m *mockCredentialService) RecordWebhook(ctx context.Context, installationID *string) error {
	if m.recordWebhookFn != nil {
		return m.recordWebhookFn(ctx, installationID)
	}
	return nil
}

type mockProducer struct {
	mu       sync.Mutex
	messages []queue.WebhookMessage
	err      error
}

func (m *mockProducer) Enqueue(_ context.Context, msg queue.WebhookMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, msg)
	return "1-0", nil
}

func (m *mockProducer) Close() error { return nil }

func (m *mockProducer) enqueued() []queue.WebhookMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.WebhookMessage(nil), m.messages...)
}
