package tools

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/onesub/vendorauth/pkg/auth"
)

const (
	// apiKeyCacheSize bounds the in-process lookup cache. Every verify and
	// consume request resolves the calling tool by API key hash, so this
	// sits on the hot path.
	apiKeyCacheSize = 1024
	apiKeyCacheTTL  = time.Minute
)

// Service manages tool registrations backed by PostgreSQL with an
// in-process read cache for API key lookups.
type Service struct {
	db       *sql.DB
	keyCache *expirable.LRU[string, *Tool]
}

// NewService creates a tool service.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:       db,
		keyCache: expirable.NewLRU[string, *Tool](apiKeyCacheSize, nil, apiKeyCacheTTL),
	}
}

// CreateTool registers a new tool and mints its API key and webhook secret.
// The plaintext API key is returned exactly once.
func (s *Service) CreateTool(ctx context.Context, name, description, redirectURI, webhookURL string) (*Tool, string, error) {
	apiKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	webhookSecret, err := auth.GenerateWebhookSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	tool := &Tool{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   description,
		Status:        StatusActive,
		APIKeyHash:    keyHash,
		APIKeyPrefix:  auth.DisplayPrefix(apiKey),
		RedirectURI:   redirectURI,
		WebhookURL:    webhookURL,
		WebhookSecret: webhookSecret,
	}

	query := `
		INSERT INTO tools (id, name, description, status, api_key_hash, api_key_prefix, redirect_uri, webhook_url, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		tool.ID, tool.Name, tool.Description, tool.Status, tool.APIKeyHash,
		tool.APIKeyPrefix, tool.RedirectURI, tool.WebhookURL, tool.WebhookSecret,
	).Scan(&tool.CreatedAt, &tool.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create tool: %w", err)
	}

	return tool, apiKey, nil
}

const toolColumns = `id, name, COALESCE(description, ''), status, api_key_hash, api_key_prefix,
	       COALESCE(redirect_uri, ''), COALESCE(webhook_url, ''), COALESCE(webhook_secret, ''),
	       created_at, updated_at`

func scanTool(row *sql.Row) (*Tool, error) {
	tool := &Tool{}
	err := row.Scan(
		&tool.ID, &tool.Name, &tool.Description, &tool.Status, &tool.APIKeyHash,
		&tool.APIKeyPrefix, &tool.RedirectURI, &tool.WebhookURL, &tool.WebhookSecret,
		&tool.CreatedAt, &tool.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tool: %w", err)
	}
	return tool, nil
}

// GetTool retrieves a tool by ID.
func (s *Service) GetTool(ctx context.Context, id string) (*Tool, error) {
	query := fmt.Sprintf("SELECT %s FROM tools WHERE id = $1", toolColumns)
	return scanTool(s.db.QueryRowContext(ctx, query, id))
}

// GetToolByAPIKey resolves the tool holding the given plaintext API key.
// Results are cached briefly by key hash.
func (s *Service) GetToolByAPIKey(ctx context.Context, apiKey string) (*Tool, error) {
	keyHash := auth.HashSecret(apiKey)
	if tool, ok := s.keyCache.Get(keyHash); ok {
		return tool, nil
	}

	query := fmt.Sprintf("SELECT %s FROM tools WHERE api_key_hash = $1", toolColumns)
	tool, err := scanTool(s.db.QueryRowContext(ctx, query, keyHash))
	if err != nil {
		return nil, err
	}

	s.keyCache.Add(keyHash, tool)
	return tool, nil
}

// RotateAPIKey replaces the tool's API key and returns the new plaintext.
// The old key stops working immediately.
func (s *Service) RotateAPIKey(ctx context.Context, id string) (string, error) {
	apiKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tools
		SET api_key_hash = $1, api_key_prefix = $2, updated_at = NOW()
		WHERE id = $3
	`, keyHash, auth.DisplayPrefix(apiKey), id)
	if err != nil {
		return "", fmt.Errorf("failed to rotate api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return "", ErrNotFound
	}

	// The old key must stop working immediately, not after the cache TTL.
	s.purgeCachedTool(id)
	return apiKey, nil
}

// SetStatus changes a tool's lifecycle status.
func (s *Service) SetStatus(ctx context.Context, id string, status ToolStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tools SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update tool status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	// Status gates authorization flows, so drop any cached copy now rather
	// than waiting out the TTL.
	s.purgeCachedTool(id)
	return nil
}

// UpdateWebhook changes a tool's webhook endpoint.
func (s *Service) UpdateWebhook(ctx context.Context, id, webhookURL string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tools SET webhook_url = $1, updated_at = NOW() WHERE id = $2", webhookURL, id)
	if err != nil {
		return fmt.Errorf("failed to update webhook url: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	s.purgeCachedTool(id)
	return nil
}

func (s *Service) purgeCachedTool(id string) {
	for _, key := range s.keyCache.Keys() {
		if tool, ok := s.keyCache.Peek(key); ok && tool.ID == id {
			s.keyCache.Remove(key)
		}
	}
}
