// Package subscriptions is the source of truth for user-to-tool
// subscription state, plan configuration, and grace-period enforcement.
package subscriptions

import (
	"errors"
	"time"
)

// Status represents subscription lifecycle state. Transitions are one-way
// from past_due to cancelled once the grace period lapses.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// PlanConfig is the JSONB plan payload decoded at the persistence boundary.
type PlanConfig struct {
	Features []string         `json:"features,omitempty"`
	Limits   map[string]int64 `json:"limits,omitempty"`
}

// Plan describes what a subscription entitles its holder to.
type Plan struct {
	ID             string     `json:"id"`
	ToolID         string     `json:"toolId"`
	Name           string     `json:"name"`
	Config         PlanConfig `json:"config"`
	MonthlyCredits int64      `json:"monthlyCredits"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Subscription links a platform user to a tool plan. ToolUserID and
// EmailSHA256 are optional vendor-side account links used by the
// subscription verification endpoint.
type Subscription struct {
	ID                string     `json:"id"`
	OneSubUserID      string     `json:"oneSubUserId"`
	ToolID            string     `json:"toolId"`
	PlanID            string     `json:"planId"`
	Status            Status     `json:"status"`
	PastDueSince      *time.Time `json:"pastDueSince,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	ToolUserID        string     `json:"toolUserId,omitempty"`
	EmailSHA256       string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Grants reports whether the subscription currently confers access.
// Trials grant like paid subscriptions, and past-due subscriptions keep
// access until the grace enforcer cancels them.
func (s *Subscription) Grants() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing || s.Status == StatusPastDue
}

var (
	// ErrNotFound is returned when no subscription matches the lookup.
	ErrNotFound = errors.New("subscription not found")
	// ErrPlanNotFound is returned when no plan matches the lookup.
	ErrPlanNotFound = errors.New("plan not found")
)
