package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotInvalidator evicts cached entitlement snapshots when subscription
// or plan state changes, so the next resolve sees the new state instead of
// waiting out the cache TTL.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, toolID, oneSubUserID string) error
	InvalidateAllForTool(ctx context.Context, toolID string) error
}

// Service implements subscription and plan storage using PostgreSQL.
type Service struct {
	db    *sql.DB
	cache SnapshotInvalidator
}

// NewService creates a subscription service. cache may be nil when no
// snapshot cache is in play.
func NewService(db *sql.DB, cache SnapshotInvalidator) *Service {
	return &Service{db: db, cache: cache}
}

// CreatePlan registers a plan for a tool.
func (s *Service) CreatePlan(ctx context.Context, toolID, name string, config PlanConfig, monthlyCredits int64) (*Plan, error) {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan config: %w", err)
	}

	plan := &Plan{
		ID:             uuid.NewString(),
		ToolID:         toolID,
		Name:           name,
		Config:         config,
		MonthlyCredits: monthlyCredits,
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO plans (id, tool_id, name, config, monthly_credits)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, plan.ID, plan.ToolID, plan.Name, configJSON, plan.MonthlyCredits).Scan(&plan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	// Best effort; stale snapshots expire on their own TTL anyway.
	if s.cache != nil {
		_ = s.cache.InvalidateAllForTool(ctx, toolID)
	}

	return plan, nil
}

// GetPlan retrieves a plan by ID.
func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	plan := &Plan{}
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tool_id, name, config, monthly_credits, created_at
		FROM plans WHERE id = $1
	`, id).Scan(&plan.ID, &plan.ToolID, &plan.Name, &configJSON, &plan.MonthlyCredits, &plan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if err := json.Unmarshal(configJSON, &plan.Config); err != nil {
		return nil, fmt.Errorf("failed to decode plan config: %w", err)
	}
	return plan, nil
}

// Subscribe creates or reactivates a subscription. An existing subscription
// for the same user and tool is moved onto the given plan and reset to
// active.
func (s *Service) Subscribe(ctx context.Context, oneSubUserID, toolID, planID string, periodEnd time.Time) (*Subscription, error) {
	sub := &Subscription{
		ID:           uuid.NewString(),
		OneSubUserID: oneSubUserID,
		ToolID:       toolID,
		PlanID:       planID,
		Status:       StatusActive,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, one_sub_user_id, tool_id, plan_id, status, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (one_sub_user_id, tool_id) DO UPDATE
		SET plan_id = EXCLUDED.plan_id, status = EXCLUDED.status,
		    past_due_since = NULL, current_period_end = EXCLUDED.current_period_end,
		    cancel_at_period_end = FALSE, updated_at = NOW()
		RETURNING id, current_period_end, created_at, updated_at
	`, sub.ID, sub.OneSubUserID, sub.ToolID, sub.PlanID, sub.Status, periodEnd).
		Scan(&sub.ID, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, toolID, oneSubUserID)
	}

	return sub, nil
}

const subscriptionColumns = `id, one_sub_user_id, tool_id, plan_id, status, past_due_since,
	       current_period_end, cancel_at_period_end, COALESCE(tool_user_id, ''),
	       COALESCE(email_sha256, ''), created_at, updated_at`

func scanSubscription(row *sql.Row) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(
		&sub.ID, &sub.OneSubUserID, &sub.ToolID, &sub.PlanID, &sub.Status,
		&sub.PastDueSince, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.ToolUserID, &sub.EmailSHA256, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves the subscription linking a user to a tool.
func (s *Service) GetSubscription(ctx context.Context, oneSubUserID, toolID string) (*Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscriptions WHERE one_sub_user_id = $1 AND tool_id = $2`, subscriptionColumns)
	return scanSubscription(s.db.QueryRowContext(ctx, query, oneSubUserID, toolID))
}

// GetSubscriptionWithPlan retrieves a subscription and its plan in one query.
func (s *Service) GetSubscriptionWithPlan(ctx context.Context, oneSubUserID, toolID string) (*Subscription, *Plan, error) {
	sub := &Subscription{}
	plan := &Plan{}
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.one_sub_user_id, s.tool_id, s.plan_id, s.status, s.past_due_since,
		       s.current_period_end, s.cancel_at_period_end, COALESCE(s.tool_user_id, ''),
		       COALESCE(s.email_sha256, ''), s.created_at, s.updated_at,
		       p.id, p.tool_id, p.name, p.config, p.monthly_credits, p.created_at
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.one_sub_user_id = $1 AND s.tool_id = $2
	`, oneSubUserID, toolID).Scan(
		&sub.ID, &sub.OneSubUserID, &sub.ToolID, &sub.PlanID, &sub.Status,
		&sub.PastDueSince, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.ToolUserID, &sub.EmailSHA256, &sub.CreatedAt, &sub.UpdatedAt,
		&plan.ID, &plan.ToolID, &plan.Name, &configJSON, &plan.MonthlyCredits, &plan.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if err := json.Unmarshal(configJSON, &plan.Config); err != nil {
		return nil, nil, fmt.Errorf("failed to decode plan config: %w", err)
	}
	return sub, plan, nil
}

// VerifyIdentifier locates a subscription for a tool by one of three
// identifiers: the platform user ID, the vendor-side account ID, or the
// SHA-256 of the account email. Exactly one identifier should be set.
func (s *Service) VerifyIdentifier(ctx context.Context, toolID, oneSubUserID, toolUserID, emailSHA256 string) (*Subscription, error) {
	var (
		column string
		value  string
	)
	switch {
	case oneSubUserID != "":
		column, value = "one_sub_user_id", oneSubUserID
	case toolUserID != "":
		column, value = "tool_user_id", toolUserID
	case emailSHA256 != "":
		column, value = "email_sha256", emailSHA256
	default:
		return nil, fmt.Errorf("no identifier provided")
	}

	query := fmt.Sprintf(`SELECT %s FROM subscriptions WHERE tool_id = $1 AND %s = $2`, subscriptionColumns, column)
	return scanSubscription(s.db.QueryRowContext(ctx, query, toolID, value))
}

// LinkAccount attaches vendor-side account identifiers to a subscription so
// later verification requests can match on them.
func (s *Service) LinkAccount(ctx context.Context, oneSubUserID, toolID, toolUserID, emailSHA256 string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET tool_user_id = NULLIF($1, ''), email_sha256 = NULLIF($2, ''), updated_at = NOW()
		WHERE one_sub_user_id = $3 AND tool_id = $4
	`, toolUserID, emailSHA256, oneSubUserID, toolID)
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPastDue moves an active subscription into past_due, starting the
// grace clock. A subscription already past_due or cancelled is untouched.
func (s *Service) MarkPastDue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, past_due_since = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusPastDue, id, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark subscription past due: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkActive restores an active status after payment recovery and clears
// the grace clock. Cancelled subscriptions are not resurrected here; they
// require a fresh Subscribe.
func (s *Service) MarkActive(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, past_due_since = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusActive, id, StatusPastDue)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel moves a subscription to cancelled regardless of current status.
func (s *Service) Cancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status != $1
	`, StatusCancelled, id)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCancelAtPeriodEnd flags or unflags a subscription for cancellation when
// the current billing period ends. Already-cancelled subscriptions cannot be
// flagged.
func (s *Service) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	var (
		toolID       string
		oneSubUserID string
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET cancel_at_period_end = $1, updated_at = NOW()
		WHERE id = $2 AND status != $3
		RETURNING tool_id, one_sub_user_id
	`, cancel, id, StatusCancelled).Scan(&toolID, &oneSubUserID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, toolID, oneSubUserID)
	}
	return nil
}

// ListLapsed returns past_due subscriptions whose grace clock started at or
// before the cutoff.
func (s *Service) ListLapsed(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM subscriptions
		WHERE status = $1 AND past_due_since <= $2
		ORDER BY past_due_since
	`, subscriptionColumns)
	rows, err := s.db.QueryContext(ctx, query, StatusPastDue, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(
			&sub.ID, &sub.OneSubUserID, &sub.ToolID, &sub.PlanID, &sub.Status,
			&sub.PastDueSince, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
			&sub.ToolUserID, &sub.EmailSHA256, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}
