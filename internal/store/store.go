package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Andrejs1979/cloud-code/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CredentialStore defines the contract for GitHub App credential data access
type CredentialStore interface {
	Get(ctx context.Context, name string) (*model.AppCredentials, error)
	GetByAppID(ctx context.Context, appID string) (*model.AppCredentials, error)
	// Upsert replaces secrets and metadata. Webhook bookkeeping already
	// stored is kept, as is the installation id when creds has none.
	Upsert(ctx context.Context, creds *model.AppCredentials) error
	UpdateRepositories(ctx context.Context, name string, repos []model.Repository) error
	RecordWebhook(ctx context.Context, name string, at time.Time, installationID *string) (*model.AppCredentials, error)
	Delete(ctx context.Context, name string) error
}

// SessionStore defines the contract for interactive session records
type SessionStore interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	// Update applies fn to the current record under optimistic locking and
	// persists the result. Returning an error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]model.SessionRecord, error)
	PublishCancel(ctx context.Context, id string) error
	SubscribeCancel(ctx context.Context, id string) (CancelSignal, error)
}

// CancelSignal is closed when a cancel for the subscribed session arrives.
type CancelSignal interface {
	Done() <-chan struct{}
	Close() error
}
