// Package audit records every capability token request so operators can
// trace issuance failures and identity mismatch anomalies.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of a token request.
type Outcome string

const (
	OutcomeIssued   Outcome = "issued"
	OutcomeRejected Outcome = "rejected"
)

// Entry is one audited token request.
type Entry struct {
	ID               string
	VerifiedID       string
	DeclaredClientID string
	IdentityMismatch bool
	Outcome          Outcome
	ErrorKind        string
	RemoteAddr       string
	CreatedAt        time.Time
}

// Repository provides data access for audit entries.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts an entry, assigning an id and timestamp when missing.
func (r *Repository) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO token_issuances (id, verified_id, declared_client_id, identity_mismatch, outcome, error_kind, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.VerifiedID,
		entry.DeclaredClientID,
		entry.IdentityMismatch,
		string(entry.Outcome),
		entry.ErrorKind,
		entry.RemoteAddr,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// ListByVerifiedID returns the entries for a principal, newest first.
func (r *Repository) ListByVerifiedID(ctx context.Context, verifiedID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, verified_id, declared_client_id, identity_mismatch, outcome, error_kind, remote_addr, created_at
		FROM token_issuances
		WHERE verified_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, verifiedID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var outcome string
		if err := rows.Scan(
			&entry.ID,
			&entry.VerifiedID,
			&entry.DeclaredClientID,
			&entry.IdentityMismatch,
			&outcome,
			&entry.ErrorKind,
			&entry.RemoteAddr,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Outcome = Outcome(outcome)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

// CountAnomalies counts identity mismatches recorded since the given time.
func (r *Repository) CountAnomalies(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_issuances WHERE identity_mismatch = 1 AND created_at >= ?`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return count, nil
}

// CountByOutcome counts entries with the given outcome since the given time.
func (r *Repository) CountByOutcome(ctx context.Context, outcome Outcome, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_issuances WHERE outcome = ? AND created_at >= ?`,
		string(outcome), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}
