package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

var (
	// ErrNotFound is returned when a domain is not found in the database.
	ErrNotFound = errors.New("domain not found")

	// ErrConflict is returned when the hostname or alias is already claimed.
	ErrConflict = errors.New("hostname already claimed")

	// ErrStaleObservation is returned by ApplyObservation when a newer
	// observation has already been persisted for the domain, or when the
	// hostname or generation changed while the pass was running.
	ErrStaleObservation = errors.New("stale observation")
)

const uniqueViolation = "23505"

const domainColumns = `
	id, hostname, alias, internal_target, owner_id,
	white_destination, black_destination, rules,
	domain_status, cert_status, last_reason, last_checked_at,
	challenge_records, provider_ref, provider_status,
	created_at, updated_at, generation`

// DomainRepository persists domains in PostgreSQL.
type DomainRepository struct {
	db *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(db *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{db: db}
}

// Create inserts a new domain. The hostname must already be normalized.
// A unique violation on hostname or alias yields ErrConflict and leaves no row.
func (r *DomainRepository) Create(ctx context.Context, d *model.Domain) error {
	rules, err := json.Marshal(d.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	records, err := json.Marshal(nonNilRecords(d.ChallengeRecords))
	if err != nil {
		return fmt.Errorf("marshal challenge records: %w", err)
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO domains (
			id, hostname, alias, internal_target, owner_id,
			white_destination, black_destination, rules,
			domain_status, cert_status, last_reason,
			challenge_records, provider_ref, provider_status,
			created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16
		)`

	_, err = r.db.Exec(ctx, query,
		d.ID, d.Hostname, d.Alias, d.InternalTarget, d.OwnerID,
		d.WhiteDestination, d.BlackDestination, rules,
		d.DomainStatus, d.CertStatus, d.LastReason,
		records, d.ProviderRef, d.ProviderStatus,
		d.CreatedAt, d.UpdatedAt,
	)
	return translate(err)
}

// GetByID retrieves a domain by id regardless of owner.
func (r *DomainRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Domain, error) {
	return r.scanOne(ctx, `SELECT`+domainColumns+` FROM domains WHERE id = $1`, id)
}

// GetByOwner retrieves a domain by id, scoped to its owner.
func (r *DomainRepository) GetByOwner(ctx context.Context, ownerID string, id uuid.UUID) (*model.Domain, error) {
	return r.scanOne(ctx, `SELECT`+domainColumns+` FROM domains WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

// FindByHostname looks a normalized host up against both the customer
// hostname and the platform alias.
func (r *DomainRepository) FindByHostname(ctx context.Context, host string) (*model.Domain, error) {
	query := `SELECT` + domainColumns + ` FROM domains
		WHERE hostname = $1 OR alias = $1
		ORDER BY (hostname = $1) DESC
		LIMIT 1`
	return r.scanOne(ctx, query, host)
}

// ListByOwner returns all domains of a tenant, newest first.
func (r *DomainRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Domain, error) {
	query := `SELECT` + domainColumns + ` FROM domains
		WHERE owner_id = $1
		ORDER BY created_at DESC`
	return r.scanMany(ctx, query, ownerID)
}

// ListForSweep returns the domains a periodic sweep should reconcile.
func (r *DomainRepository) ListForSweep(ctx context.Context, includeActive bool) ([]*model.Domain, error) {
	query := `SELECT` + domainColumns + ` FROM domains
		WHERE $1 OR domain_status <> 'ACTIVE'
		ORDER BY last_checked_at ASC NULLS FIRST`
	return r.scanMany(ctx, query, includeActive)
}

// CountActiveByOwner counts a tenant's ACTIVE domains.
func (r *DomainRepository) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM domains WHERE owner_id = $1 AND domain_status = 'ACTIVE'`,
		ownerID,
	).Scan(&n)
	return n, err
}

// CountByStatus returns the number of domains per lifecycle status.
func (r *DomainRepository) CountByStatus(ctx context.Context) (map[model.DomainStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT domain_status, COUNT(*) FROM domains GROUP BY domain_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.DomainStatus]int)
	for rows.Next() {
		var (
			status model.DomainStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Update writes the tenant-editable fields. When the hostname changed the
// caller is expected to have reset the certificate fields on d. Every update
// bumps the generation; d.Generation is set to the stored value.
func (r *DomainRepository) Update(ctx context.Context, d *model.Domain) error {
	rules, err := json.Marshal(d.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	records, err := json.Marshal(nonNilRecords(d.ChallengeRecords))
	if err != nil {
		return fmt.Errorf("marshal challenge records: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE domains SET
			hostname = $3, white_destination = $4, black_destination = $5,
			rules = $6, cert_status = $7, challenge_records = $8,
			provider_ref = $9, provider_status = $10, updated_at = $11,
			generation = generation + 1
		WHERE id = $1 AND owner_id = $2
		RETURNING generation`

	err = r.db.QueryRow(ctx, query,
		d.ID, d.OwnerID,
		d.Hostname, d.WhiteDestination, d.BlackDestination,
		rules, d.CertStatus, records,
		d.ProviderRef, d.ProviderStatus, d.UpdatedAt,
	).Scan(&d.Generation)
	return translate(err)
}

// ApplyObservation persists one reconciliation outcome as a single
// conditional update. The row must still exist, must still have the
// hostname and generation the pass evaluated, and must not carry a newer
// observation.
func (r *DomainRepository) ApplyObservation(ctx context.Context, id uuid.UUID, obs model.Observation) error {
	records, err := json.Marshal(nonNilRecords(obs.ChallengeRecords))
	if err != nil {
		return fmt.Errorf("marshal challenge records: %w", err)
	}

	query := `
		UPDATE domains SET
			domain_status = $2, cert_status = $3, last_reason = $4,
			last_checked_at = $5, challenge_records = $6,
			provider_ref = $7, provider_status = $8, updated_at = $5
		WHERE id = $1
		  AND hostname = $9 AND generation = $10
		  AND (last_checked_at IS NULL OR last_checked_at <= $5)`

	tag, err := r.db.Exec(ctx, query,
		id, obs.DomainStatus, obs.CertStatus, obs.Reason,
		obs.CheckedAt, records, obs.ProviderRef, obs.ProviderStatus,
		obs.Hostname, obs.Generation,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM domains WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleObservation
}

// ResetFailedCertificate moves a FAILED certificate back to PENDING and
// bumps the generation so in-flight passes cannot write FAILED back. Any
// other certificate state is left untouched.
func (r *DomainRepository) ResetFailedCertificate(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE domains SET cert_status = 'PENDING', updated_at = $2,
			generation = generation + 1
		WHERE id = $1 AND cert_status = 'FAILED'`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a domain owned by ownerID.
func (r *DomainRepository) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM domains WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DomainRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Domain, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scan(rows)
}

func (r *DomainRepository) scanMany(ctx context.Context, query string, args ...any) ([]*model.Domain, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []*model.Domain
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func scan(rows pgx.Rows) (*model.Domain, error) {
	var (
		d          model.Domain
		alias      *string
		rulesRaw   []byte
		recordsRaw []byte
	)
	err := rows.Scan(
		&d.ID, &d.Hostname, &alias, &d.InternalTarget, &d.OwnerID,
		&d.WhiteDestination, &d.BlackDestination, &rulesRaw,
		&d.DomainStatus, &d.CertStatus, &d.LastReason, &d.LastCheckedAt,
		&recordsRaw, &d.ProviderRef, &d.ProviderStatus,
		&d.CreatedAt, &d.UpdatedAt, &d.Generation,
	)
	if err != nil {
		return nil, fmt.Errorf("scan domain: %w", err)
	}
	if alias != nil {
		d.Alias = *alias
	}
	if len(rulesRaw) > 0 {
		if err := json.Unmarshal(rulesRaw, &d.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal rules: %w", err)
		}
	}
	if len(recordsRaw) > 0 {
		if err := json.Unmarshal(recordsRaw, &d.ChallengeRecords); err != nil {
			return nil, fmt.Errorf("unmarshal challenge records: %w", err)
		}
	}
	return &d, nil
}

func nonNilRecords(recs []model.ChallengeRecord) []model.ChallengeRecord {
	if recs == nil {
		return []model.ChallengeRecord{}
	}
	return recs
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
