package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresHits counts rows in the hits table.
type PostgresHits struct {
	db *pgxpool.Pool
}

// NewPostgresHits creates a PostgresHits.
func NewPostgresHits(db *pgxpool.Pool) *PostgresHits {
	return &PostgresHits{db: db}
}

// CountHitsSince returns the number of hits recorded for ownerID at or after since.
func (p *PostgresHits) CountHitsSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM hits WHERE owner_id = $1 AND ts >= $2`,
		ownerID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count hits: %w", err)
	}
	return n, nil
}
