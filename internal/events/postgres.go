package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink stores hits in the hits table and access records in
// access_logs.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	var query string
	switch e.Kind {
	case KindHit:
		query = `
			INSERT INTO hits (
				ts, owner_id, domain_id, hostname, decision, reason,
				classification, destination, client_ip, user_agent, referer
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := s.db.Exec(ctx, query,
			e.Timestamp, e.OwnerID, e.DomainID, e.Hostname, e.Decision, e.Reason,
			e.Classification, e.Destination, e.ClientIP, e.UserAgent, e.Referer,
		)
		if err != nil {
			return fmt.Errorf("insert hit: %w", err)
		}
	case KindAccess:
		query = `
			INSERT INTO access_logs (
				ts, owner_id, domain_id, hostname, method, path, client_ip,
				user_agent, referer, classification, redirected, destination
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		_, err := s.db.Exec(ctx, query,
			e.Timestamp, e.OwnerID, e.DomainID, e.Hostname, e.Method, e.Path, e.ClientIP,
			e.UserAgent, e.Referer, e.Classification, e.Redirected, e.Destination,
		)
		if err != nil {
			return fmt.Errorf("insert access log: %w", err)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
