package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Andrejs1979/cloud-code/internal/model"
)

const credentialColumns = `name, app_id, encrypted_private_key, encrypted_webhook_secret, installation_id,
	owner_login, owner_type, owner_id, permissions, events, repositories,
	created_at, updated_at, last_webhook_at, webhook_count`

type credentialStore struct {
	db DBTX
}

func NewCredentialStore(db DBTX) CredentialStore {
	return &credentialStore{db: db}
}

func (s *credentialStore) Get(ctx context.Context, name string) (*model.AppCredentials, error) {
	row := s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM app_credentials WHERE name = $1`, name)
	return scanCredentials(row)
}

func (s *credentialStore) GetByAppID(ctx context.Context, appID string) (*model.AppCredentials, error) {
	row := s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM app_credentials
		WHERE app_id = $1 ORDER BY updated_at DESC LIMIT 1`, appID)
	return scanCredentials(row)
}

func (s *credentialStore) Upsert(ctx context.Context, creds *model.AppCredentials) error {
	permissions, err := json.Marshal(nonNilMap(creds.Permissions))
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	repos, err := json.Marshal(nonNilSlice(creds.Repositories))
	if err != nil {
		return fmt.Errorf("encoding repositories: %w", err)
	}
	events := creds.Events
	if events == nil {
		events = []string{}
	}

	createdAt := creds.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO app_credentials (
			name, app_id, encrypted_private_key, encrypted_webhook_secret, installation_id,
			owner_login, owner_type, owner_id, permissions, events, repositories,
			created_at, updated_at, last_webhook_at, webhook_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), $13, $14)
		ON CONFLICT (name) DO UPDATE SET
			app_id = EXCLUDED.app_id,
			encrypted_private_key = EXCLUDED.encrypted_private_key,
			encrypted_webhook_secret = EXCLUDED.encrypted_webhook_secret,
			installation_id = COALESCE(EXCLUDED.installation_id, app_credentials.installation_id),
			owner_login = EXCLUDED.owner_login,
			owner_type = EXCLUDED.owner_type,
			owner_id = EXCLUDED.owner_id,
			permissions = EXCLUDED.permissions,
			events = EXCLUDED.events,
			repositories = EXCLUDED.repositories,
			created_at = EXCLUDED.created_at,
			updated_at = now(),
			last_webhook_at = app_credentials.last_webhook_at,
			webhook_count = app_credentials.webhook_count
		RETURNING `+credentialColumns,
		creds.Name, creds.AppID, creds.EncryptedPrivateKey, creds.EncryptedWebhookSecret, creds.InstallationID,
		creds.Owner.Login, creds.Owner.Type, creds.Owner.ID, string(permissions), events, string(repos),
		createdAt, creds.LastWebhookAt, creds.WebhookCount,
	)

	saved, err := scanCredentials(row)
	if err != nil {
		return err
	}
	*creds = *saved
	return nil
}

func (s *credentialStore) UpdateRepositories(ctx context.Context, name string, repos []model.Repository) error {
	data, err := json.Marshal(nonNilSlice(repos))
	if err != nil {
		return fmt.Errorf("encoding repositories: %w", err)
	}

	tag, err := s.db.Exec(ctx, `UPDATE app_credentials SET repositories = $2, updated_at = now() WHERE name = $1`, name, string(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWebhook bumps the receipt counter in one statement. A non-nil
// installationID replaces the stored one.
func (s *credentialStore) RecordWebhook(ctx context.Context, name string, at time.Time, installationID *string) (*model.AppCredentials, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE app_credentials SET
			last_webhook_at = $2,
			webhook_count = webhook_count + 1,
			installation_id = COALESCE($3, installation_id),
			updated_at = now()
		WHERE name = $1
		RETURNING `+credentialColumns, name, at, installationID)
	return scanCredentials(row)
}

func (s *credentialStore) Delete(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM app_credentials WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredentials(row pgx.Row) (*model.AppCredentials, error) {
	var (
		c           model.AppCredentials
		permissions []byte
		repos       []byte
	)

	err := row.Scan(
		&c.Name, &c.AppID, &c.EncryptedPrivateKey, &c.EncryptedWebhookSecret, &c.InstallationID,
		&c.Owner.Login, &c.Owner.Type, &c.Owner.ID, &permissions, &c.Events, &repos,
		&c.CreatedAt, &c.UpdatedAt, &c.LastWebhookAt, &c.WebhookCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(permissions, &c.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	if err := json.Unmarshal(repos, &c.Repositories); err != nil {
		return nil, fmt.Errorf("decoding repositories: %w", err)
	}
	return &c, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
