package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const setColumns = `id, artifact_id, artifact_version, overall_status, created_at, updated_at, completed_at, fault, requests, version, notified_at`

// SetStore implements ports.SetStore on Postgres. The version column guards
// updates; the unique dedup_key column holds the artifact claim of the
// active set and is cleared when the set turns terminal. notified_at keeps a
// terminal set listed until its outcome is delivered.
type SetStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSetStore creates a new Postgres set store
func NewSetStore(db *sql.DB, logger *zap.Logger) *SetStore {
	return &SetStore{db: db, logger: logger}
}

// CreateSet inserts the set and claims its artifact identity
func (s *SetStore) CreateSet(ctx context.Context, set *domain.ValidationSet, window time.Duration) error {
	requests, err := json.Marshal(set.Requests)
	if err != nil {
		return fmt.Errorf("marshal requests: %w", err)
	}
	key := set.Artifact.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	holder, err := scanSet(tx.QueryRowContext(ctx,
		`SELECT `+setColumns+` FROM validation_sets WHERE dedup_key = $1 FOR UPDATE`, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read claim: %w", classify(err))
	case holder.IsActive(set.CreatedAt, window):
		return fmt.Errorf("artifact %s: %w", key, domain.ErrAlreadyExists)
	default:
		// The holder fell out of the window; release its claim.
		if _, err := tx.ExecContext(ctx, `UPDATE validation_sets SET dedup_key = NULL WHERE id = $1`, holder.ID); err != nil {
			return fmt.Errorf("release claim: %w", classify(err))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_sets (id, artifact_id, artifact_version, dedup_key, overall_status,
			created_at, updated_at, completed_at, fault, requests, version, notified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)`,
		set.ID, set.Artifact.ID, set.Artifact.Version, key, string(set.OverallStatus),
		set.CreatedAt, set.UpdatedAt, set.CompletedAt, set.Fault, requests, set.NotifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %s: %w", key, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert set: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %s: %w", key, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("commit: %w", classify(err))
	}

	set.Version = 1
	return nil
}

// GetSet returns the stored set
func (s *SetStore) GetSet(ctx context.Context, id string) (*domain.ValidationSet, error) {
	set, err := scanSet(s.db.QueryRowContext(ctx,
		`SELECT `+setColumns+` FROM validation_sets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("set %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get set %s: %w", id, classify(err))
	}
	return set, nil
}

// UpdateSet writes the set if its version matches the stored one
func (s *SetStore) UpdateSet(ctx context.Context, set *domain.ValidationSet) error {
	requests, err := json.Marshal(set.Requests)
	if err != nil {
		return fmt.Errorf("marshal requests: %w", err)
	}

	query := `
		UPDATE validation_sets
		SET overall_status = $3, updated_at = $4, completed_at = $5, fault = $6, requests = $7,
			notified_at = $8, version = version + 1`
	if set.OverallStatus.IsTerminal() {
		query += `, dedup_key = NULL`
	}
	query += ` WHERE id = $1 AND version = $2`

	res, err := s.db.ExecContext(ctx, query,
		set.ID, set.Version, string(set.OverallStatus), set.UpdatedAt, set.CompletedAt, set.Fault, requests,
		set.NotifiedAt)
	if err != nil {
		return fmt.Errorf("update set %s: %w", set.ID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update set %s: %w", set.ID, classify(err))
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM validation_sets WHERE id = $1)`, set.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update set %s: %w", set.ID, classify(err))
		}
		if !exists {
			return fmt.Errorf("set %s: %w", set.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("set %s at version %d: %w", set.ID, set.Version, domain.ErrConflict)
	}

	set.Version++
	return nil
}

// FindActiveSet returns the active set claiming the artifact identity
func (s *SetStore) FindActiveSet(ctx context.Context, key domain.ArtifactKey, window time.Duration, now time.Time) (*domain.ValidationSet, error) {
	set, err := scanSet(s.db.QueryRowContext(ctx,
		`SELECT `+setColumns+` FROM validation_sets WHERE dedup_key = $1`, key.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active set: %w", classify(err))
	}
	if !set.IsActive(now, window) {
		return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
	}
	return set, nil
}

// ListActiveSetIDs returns the ids of all sets still pending, oldest first
func (s *SetStore) ListActiveSetIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM validation_sets
		WHERE overall_status NOT IN ('Succeeded', 'Failed', 'TimedOut') OR notified_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sets: %w", classify(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan set id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sets: %w", classify(err))
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSet(row rowScanner) (*domain.ValidationSet, error) {
	var (
		set       domain.ValidationSet
		status    string
		completed sql.NullTime
		notified  sql.NullTime
		requests  []byte
	)
	err := row.Scan(&set.ID, &set.Artifact.ID, &set.Artifact.Version, &status,
		&set.CreatedAt, &set.UpdatedAt, &completed, &set.Fault, &requests, &set.Version, &notified)
	if err != nil {
		return nil, err
	}

	set.OverallStatus = domain.OverallStatus(status)
	if completed.Valid {
		t := completed.Time
		set.CompletedAt = &t
	}
	if notified.Valid {
		t := notified.Time
		set.NotifiedAt = &t
	}
	if len(requests) > 0 {
		if err := json.Unmarshal(requests, &set.Requests); err != nil {
			return nil, fmt.Errorf("unmarshal requests of %s: %w", set.ID, err)
		}
	}
	return &set, nil
}

// Transient SQLSTATE codes: deadlock, serialization failure, unique
// violation, query canceled, and connection exceptions.
var transientCodes = map[string]bool{
	"40P01": true,
	"40001": true,
	"23505": true,
	"57014": true,
	"08000": true,
	"08003": true,
	"08006": true,
}

// classify marks retryable database faults as transient
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return domain.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.Timeout(err) || errors.Is(err, sql.ErrConnDone) {
		return domain.Transient(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return domain.Transient(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
