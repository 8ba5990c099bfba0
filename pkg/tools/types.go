// Package tools manages vendor tool registrations: API keys, redirect URIs,
// and webhook settings.
package tools

import (
	"errors"
	"time"
)

// ToolStatus represents the lifecycle state of a tool.
type ToolStatus string

const (
	StatusActive    ToolStatus = "active"
	StatusSuspended ToolStatus = "suspended"
	StatusRetired   ToolStatus = "retired"
)

// Tool is a vendor tool registered on the platform. APIKeyHash is the only
// stored form of the key; the plaintext is returned once at creation or
// rotation.
type Tool struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Status        ToolStatus `json:"status"`
	APIKeyHash    string     `json:"-"`
	APIKeyPrefix  string     `json:"apiKeyPrefix"`
	RedirectURI   string     `json:"redirectUri,omitempty"`
	WebhookURL    string     `json:"webhookUrl,omitempty"`
	WebhookSecret string     `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Active reports whether the tool may participate in authorization flows.
func (t *Tool) Active() bool {
	return t.Status == StatusActive
}

var (
	// ErrNotFound is returned when no tool matches the lookup.
	ErrNotFound = errors.New("tool not found")
)
