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
var _ driven.PortStore = (*PortRepo)(nil)

// PortRepo is the SQLite implementation of the PortStore port interface.
// The port column is the table's primary key, so two concurrent inserts of the
// same port cannot both succeed.
type PortRepo struct {
	db *DB
}

// NewPortRepo creates a new PortRepo backed by the given DB.
func NewPortRepo(db *DB) *PortRepo {
	return &PortRepo{db: db}
}

const portColumns = `port, uuid, key_id, key_name, assigned_at, is_active`

// Insert records a new assignment. A taken port maps to ErrPortConflict and a
// uuid that already holds a port maps to ErrAlreadyAssigned.
func (r *PortRepo) Insert(ctx context.Context, a model.PortAssignment) error {
	const query = `INSERT INTO port_assignments (` + portColumns + `) VALUES (?, ?, ?, ?, ?, ?)`

	assignedAt := a.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		a.Port, a.UUID, a.KeyID, a.KeyName, formatTime(assignedAt), boolToInt(a.IsActive),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "port_assignments.port"):
		return fmt.Errorf("insert port %d: %w", a.Port, driven.ErrPortConflict)
	case isUniqueViolation(err, "port_assignments.uuid"):
		return fmt.Errorf("insert port for %s: %w", a.UUID, driven.ErrAlreadyAssigned)
	default:
		return fmt.Errorf("insert port %d: %w", a.Port, err)
	}
}

// Release deletes the assignment held by uuid.
func (r *PortRepo) Release(ctx context.Context, uuid string) (bool, error) {
	const query = `DELETE FROM port_assignments WHERE uuid = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, uuid)
	if err != nil {
		return false, fmt.Errorf("release port for %s: %w", uuid, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetByUUID returns the assignment held by uuid, or nil, nil if there is none.
func (r *PortRepo) GetByUUID(ctx context.Context, uuid string) (*model.PortAssignment, error) {
	const query = `SELECT ` + portColumns + ` FROM port_assignments WHERE uuid = ?`

	a, err := scanPortAssignment(r.db.Reader.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get port for %s: %w", uuid, err)
	}
	return a, nil
}

// ListAll returns every assignment ordered by port.
func (r *PortRepo) ListAll(ctx context.Context) ([]model.PortAssignment, error) {
	const query = `SELECT ` + portColumns + ` FROM port_assignments ORDER BY port ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()

	var out []model.PortAssignment
	for rows.Next() {
		a, err := scanPortAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan port assignment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ports: %w", err)
	}
	return out, nil
}

// Count returns the number of assigned ports.
func (r *PortRepo) Count(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM port_assignments`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ports: %w", err)
	}
	return n, nil
}

// SetActive flips the active flag on the assignment held by uuid. It is a
// no-op when uuid holds no port.
func (r *PortRepo) SetActive(ctx context.Context, uuid string, active bool) error {
	const query = `UPDATE port_assignments SET is_active = ? WHERE uuid = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, boolToInt(active), uuid); err != nil {
		return fmt.Errorf("set port active for %s: %w", uuid, err)
	}
	return nil
}

func scanPortAssignment(s scanner) (*model.PortAssignment, error) {
	var a model.PortAssignment
	var assignedAt string
	var active int

	if err := s.Scan(&a.Port, &a.UUID, &a.KeyID, &a.KeyName, &assignedAt, &active); err != nil {
		return nil, err
	}

	var err error
	a.AssignedAt, err = parseTime(assignedAt)
	if err != nil {
		return nil, fmt.Errorf("parse assigned_at: %w", err)
	}
	a.IsActive = active != 0

	return &a, nil
}
