package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

const credentialColumns = `id, name, uuid, created_at, is_active, port, short_id, domain`

// Create inserts a new credential. Returns ErrCredentialExists if the id or uuid is taken.
func (r *CredentialRepo) Create(ctx context.Context, cred model.Credential) error {
	const query = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var port sql.NullInt64
	if cred.Port != nil {
		port = sql.NullInt64{Int64: int64(*cred.Port), Valid: true}
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		cred.ID, cred.Name, cred.UUID, formatTime(createdAt), boolToInt(cred.IsActive), port, cred.ShortID, cred.Domain,
	)
	if err != nil {
		if isUniqueViolation(err, "credentials.") {
			return fmt.Errorf("create credential %s: %w", cred.UUID, driven.ErrCredentialExists)
		}
		return fmt.Errorf("create credential %s: %w", cred.UUID, err)
	}
	return nil
}

// GetByUUID returns the credential with the given uuid, or nil, nil if absent.
func (r *CredentialRepo) GetByUUID(ctx context.Context, uuid string) (*model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE uuid = ?`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", uuid, err)
	}
	return cred, nil
}

// GetByIdentifier returns the credential whose id or uuid equals identifier.
func (r *CredentialRepo) GetByIdentifier(ctx context.Context, identifier string) (*model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ? OR uuid = ? LIMIT 1`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, identifier, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", identifier, err)
	}
	return cred, nil
}

// ListAll returns every credential ordered by creation time, then name.
func (r *CredentialRepo) ListAll(ctx context.Context) ([]model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at ASC, name ASC`
	return r.list(ctx, query)
}

// ListActive returns active credentials ordered by creation time, then name.
func (r *CredentialRepo) ListActive(ctx context.Context) ([]model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE is_active = 1 ORDER BY created_at ASC, name ASC`
	return r.list(ctx, query)
}

func (r *CredentialRepo) list(ctx context.Context, query string) ([]model.Credential, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// SetActive flips the active flag of the credential.
func (r *CredentialRepo) SetActive(ctx context.Context, uuid string, active bool) error {
	const query = `UPDATE credentials SET is_active = ? WHERE uuid = ?`
	return r.updateOne(ctx, "set active", uuid, query, boolToInt(active), uuid)
}

// SetShortID stores a short id for a credential that was created without one.
func (r *CredentialRepo) SetShortID(ctx context.Context, uuid, shortID string) error {
	const query = `UPDATE credentials SET short_id = ? WHERE uuid = ?`
	return r.updateOne(ctx, "set short id", uuid, query, shortID, uuid)
}

// Delete removes the credential.
func (r *CredentialRepo) Delete(ctx context.Context, uuid string) error {
	const query = `DELETE FROM credentials WHERE uuid = ?`
	return r.updateOne(ctx, "delete credential", uuid, query, uuid)
}

func (r *CredentialRepo) updateOne(ctx context.Context, op, uuid, query string, args ...any) error {
	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, uuid, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", op, uuid, driven.ErrCredentialNotFound)
	}
	return nil
}

func scanCredential(s scanner) (*model.Credential, error) {
	var cred model.Credential
	var createdAt string
	var active int
	var port sql.NullInt64

	err := s.Scan(&cred.ID, &cred.Name, &cred.UUID, &createdAt, &active, &port, &cred.ShortID, &cred.Domain)
	if err != nil {
		return nil, err
	}

	cred.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	cred.IsActive = active != 0
	if port.Valid {
		p := int(port.Int64)
		cred.Port = &p
	}

	return &cred, nil
}
