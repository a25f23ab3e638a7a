package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a subscription is not found.
var ErrNotFound = errors.New("webhook subscription not found")

const subscriptionColumns = `id, owner_id, url, events, secret, active, created_at`

// Repository persists subscriptions and deliveries in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new subscription.
func (r *Repository) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now().UTC()
	sub.Active = true

	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		sub.ID, sub.OwnerID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt,
	)
	return err
}

// ListByOwner returns all subscriptions of a tenant, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
	          WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListByEvent returns a tenant's active subscriptions for eventType.
func (r *Repository) ListByEvent(ctx context.Context, ownerID, eventType string) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
	          WHERE owner_id = $1 AND active = true AND $2 = ANY(events)
	          ORDER BY created_at`, ownerID, eventType)
}

// Delete removes a subscription owned by ownerID.
func (r *Repository) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery records a delivery attempt.
func (r *Repository) RecordDelivery(ctx context.Context, d *Delivery) error {
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()

	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `INSERT INTO webhook_deliveries (
	              id, subscription_id, event_id, event_type, payload,
	              status_code, attempt, success, error_message, delivered_at
	          ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.Exec(ctx, query,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, payload,
		d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	return err
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Subscription, error) {
		var sub Subscription
		err := row.Scan(&sub.ID, &sub.OwnerID, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt)
		return &sub, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	return subs, nil
}
