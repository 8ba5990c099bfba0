// Package audit records security-relevant events (authorization grants,
// revocations, credit movements, grace cancellations) to PostgreSQL.
package audit

import "time"

// EventType identifies the kind of audited action.
type EventType string

const (
	EventCodeIssued        EventType = "authorization.code_issued"
	EventCodeExchanged     EventType = "authorization.code_exchanged"
	EventTokenRotated      EventType = "authorization.token_rotated"
	EventAccessRevoked     EventType = "access.revoked"
	EventRevocationCleared EventType = "access.revocation_cleared"
	EventCreditsConsumed   EventType = "credits.consumed"
	EventCreditsAdded      EventType = "credits.added"
	EventGraceCancelled    EventType = "subscription.grace_cancelled"
	EventSubscriptionState EventType = "subscription.status_changed"
	EventAPIKeyRotated     EventType = "tool.api_key_rotated"
)

// EventStatus marks whether the audited action succeeded.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
)

// Event is one audit log entry.
type Event struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"eventType"`
	Status       EventStatus            `json:"status"`
	OneSubUserID string                 `json:"oneSubUserId,omitempty"`
	ToolID       string                 `json:"toolId,omitempty"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	RequestID    string                 `json:"requestId,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter narrows audit log queries.
type SearchFilter struct {
	EventType    EventType
	OneSubUserID string
	ToolID       string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
}
