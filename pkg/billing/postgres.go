package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore is the production Store backed by PostgreSQL. The version column
// carries the compare-and-swap: every commit predicates on the version it
// loaded and bumps it by one, so a lost race surfaces as zero affected rows
// instead of a silent overwrite.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store on the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const subscriptionColumns = `tenant_id, plan_key, status, provider_customer_id, provider_sub_id,
	current_period_start, current_period_end, cancel_at_period_end, pending_plan_key,
	version, last_event_id, last_event_at, needs_repair, repair_reason, created_at, updated_at`

func (s *pgStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
	return scanSubscription(row)
}

func (s *pgStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error) {
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_sub_id = $1`, providerSubID)
	return scanSubscription(row)
}

func (s *pgStore) Create(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sub.TenantID, sub.PlanKey, sub.Status, sub.ProviderCustomerID, sub.ProviderSubID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.PendingPlanKey,
		sub.Version, sub.LastEventID, sub.LastEventAt, sub.NeedsRepair, sub.RepairReason,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrSubscriptionAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateCAS(ctx context.Context, sub *Subscription, expectedVersion int64) error {
	return s.updateCAS(ctx, s.pool, sub, expectedVersion)
}

// querier covers both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *pgStore) updateCAS(ctx context.Context, q querier, sub *Subscription, expectedVersion int64) error {
	updatedAt := time.Now().UTC()
	tag, err := q.Exec(ctx,
		`UPDATE subscriptions SET
			plan_key = $1, status = $2, provider_customer_id = $3, provider_sub_id = $4,
			current_period_start = $5, current_period_end = $6, cancel_at_period_end = $7,
			pending_plan_key = $8, version = $9, last_event_id = $10, last_event_at = $11,
			needs_repair = $12, repair_reason = $13, updated_at = $14
		 WHERE tenant_id = $15 AND version = $16`,
		sub.PlanKey, sub.Status, sub.ProviderCustomerID, sub.ProviderSubID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.PendingPlanKey, expectedVersion+1, sub.LastEventID, sub.LastEventAt,
		sub.NeedsRepair, sub.RepairReason, updatedAt,
		sub.TenantID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE tenant_id = $1)`,
			sub.TenantID).Scan(&exists); err != nil {
			return fmt.Errorf("check subscription existence: %w", err)
		}
		if !exists {
			return ErrSubscriptionNotFound
		}
		return ErrConcurrentModification
	}

	sub.Version = expectedVersion + 1
	sub.UpdatedAt = updatedAt
	return nil
}

func (s *pgStore) FlagRepair(ctx context.Context, tenantID uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET needs_repair = TRUE, repair_reason = $1, updated_at = $2
		 WHERE tenant_id = $3`,
		reason, time.Now().UTC(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("flag subscription for repair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *pgStore) ListFlaggedForRepair(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE needs_repair ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list flagged subscriptions: %w", err)
	}
	defer rows.Close()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (s *pgStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	var rec EventRecord
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, outcome, received_at FROM external_events WHERE event_id = $1`,
		eventID).Scan(&rec.EventID, &rec.Type, &rec.Outcome, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event record: %w", err)
	}
	return &rec, nil
}

func (s *pgStore) RecordEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_events (event_id, event_type, outcome, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Type, rec.Outcome, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *pgStore) ApplyEvent(ctx context.Context, sub *Subscription, expectedVersion int64, rec EventRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.updateCAS(ctx, tx, sub, expectedVersion); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO external_events (event_id, event_type, outcome, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Type, rec.Outcome, rec.ReceivedAt,
	); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *pgStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM external_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.TenantID, &sub.PlanKey, &sub.Status, &sub.ProviderCustomerID, &sub.ProviderSubID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.PendingPlanKey,
		&sub.Version, &sub.LastEventID, &sub.LastEventAt, &sub.NeedsRepair, &sub.RepairReason,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
