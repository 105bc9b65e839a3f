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
var _ driven.TrafficStore = (*TrafficRepo)(nil)

// TrafficRepo is the SQLite implementation of the TrafficStore port interface.
type TrafficRepo struct {
	db *DB
}

// NewTrafficRepo creates a new TrafficRepo backed by the given DB.
func NewTrafficRepo(db *DB) *TrafficRepo {
	return &TrafficRepo{db: db}
}

const trafficColumns = `uuid, key_name, port, total_bytes, last_raw_bytes, last_raw_at,
	last_uplink, last_downlink, last_counter_at, last_source, created_at, updated_at`

// Get returns the traffic entry for uuid, or nil, nil if none exists.
func (r *TrafficRepo) Get(ctx context.Context, uuid string) (*model.TrafficEntry, error) {
	return r.get(ctx, r.db.Reader, uuid)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *TrafficRepo) get(ctx context.Context, q queryRower, uuid string) (*model.TrafficEntry, error) {
	const query = `SELECT ` + trafficColumns + ` FROM traffic_entries WHERE uuid = ?`

	entry, err := scanTrafficEntry(q.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get traffic %s: %w", uuid, err)
	}
	return entry, nil
}

// ListAll returns every traffic entry ordered by uuid.
func (r *TrafficRepo) ListAll(ctx context.Context) ([]model.TrafficEntry, error) {
	const query = `SELECT ` + trafficColumns + ` FROM traffic_entries ORDER BY uuid ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list traffic: %w", err)
	}
	defer rows.Close()

	var out []model.TrafficEntry
	for rows.Next() {
		entry, err := scanTrafficEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan traffic entry: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traffic: %w", err)
	}
	return out, nil
}

// Apply persists one accounting step inside a single transaction. The total is
// incremented in SQL so that no read-modify-write happens outside the row lock.
func (r *TrafficRepo) Apply(ctx context.Context, u model.TrafficUpdate) (*model.TrafficEntry, error) {
	if u.Delta < 0 {
		return nil, fmt.Errorf("apply traffic %s: negative delta %d", u.UUID, u.Delta)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	now := formatTime(at)

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const insertQuery = `
		INSERT INTO traffic_entries (uuid, key_name, port, total_bytes, last_source, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(uuid) DO NOTHING`

	if _, err := tx.ExecContext(ctx, insertQuery, u.UUID, u.KeyName, u.Port, now, now); err != nil {
		return nil, fmt.Errorf("create traffic entry %s: %w", u.UUID, err)
	}

	var rawBytes, uplink, downlink sql.NullInt64
	var rawAt, counterAt sql.NullString
	if u.LastRaw != nil {
		rawBytes = sql.NullInt64{Int64: u.LastRaw.Bytes, Valid: true}
		rawAt = sql.NullString{String: formatTime(u.LastRaw.At), Valid: true}
	}
	if u.LastCounter != nil {
		uplink = sql.NullInt64{Int64: u.LastCounter.Uplink, Valid: true}
		downlink = sql.NullInt64{Int64: u.LastCounter.Downlink, Valid: true}
		counterAt = sql.NullString{String: formatTime(u.LastCounter.At), Valid: true}
	}

	const updateQuery = `
		UPDATE traffic_entries SET
			total_bytes     = total_bytes + ?,
			key_name        = CASE WHEN ? <> '' THEN ? ELSE key_name END,
			port            = CASE WHEN ? > 0 THEN ? ELSE port END,
			last_raw_bytes  = COALESCE(?, last_raw_bytes),
			last_raw_at     = COALESCE(?, last_raw_at),
			last_uplink     = COALESCE(?, last_uplink),
			last_downlink   = COALESCE(?, last_downlink),
			last_counter_at = COALESCE(?, last_counter_at),
			last_source     = CASE WHEN ? <> '' THEN ? ELSE last_source END,
			updated_at      = ?
		WHERE uuid = ?`

	_, err = tx.ExecContext(ctx, updateQuery,
		u.Delta,
		u.KeyName, u.KeyName,
		u.Port, u.Port,
		rawBytes, rawAt,
		uplink, downlink, counterAt,
		u.Source, u.Source,
		now,
		u.UUID,
	)
	if err != nil {
		return nil, fmt.Errorf("update traffic entry %s: %w", u.UUID, err)
	}

	if u.Delta > 0 {
		const dailyQuery = `
			INSERT INTO traffic_daily (uuid, day, bytes) VALUES (?, ?, ?)
			ON CONFLICT(uuid, day) DO UPDATE SET bytes = bytes + excluded.bytes`

		day := at.UTC().Format(time.DateOnly)
		if _, err := tx.ExecContext(ctx, dailyQuery, u.UUID, day, u.Delta); err != nil {
			return nil, fmt.Errorf("update daily traffic %s: %w", u.UUID, err)
		}
	}

	entry, err := r.get(ctx, tx, u.UUID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entry, nil
}

// Reset zeroes the lifetime total and forgets both snapshots so the next
// sample starts a fresh baseline.
func (r *TrafficRepo) Reset(ctx context.Context, uuid string) (bool, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const resetQuery = `
		UPDATE traffic_entries SET
			total_bytes = 0,
			last_raw_bytes = NULL, last_raw_at = NULL,
			last_uplink = NULL, last_downlink = NULL, last_counter_at = NULL,
			updated_at = ?
		WHERE uuid = ?`

	result, err := tx.ExecContext(ctx, resetQuery, formatTime(time.Now()), uuid)
	if err != nil {
		return false, fmt.Errorf("reset traffic %s: %w", uuid, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM traffic_daily WHERE uuid = ?`, uuid); err != nil {
		return false, fmt.Errorf("clear daily traffic %s: %w", uuid, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return rows > 0, nil
}

// Daily returns the daily buckets of uuid whose day starts with prefix.
func (r *TrafficRepo) Daily(ctx context.Context, uuid, prefix string) ([]model.DailyTraffic, error) {
	const query = `SELECT day, bytes FROM traffic_daily WHERE uuid = ? AND day LIKE ? ORDER BY day ASC`

	rows, err := r.db.Reader.QueryContext(ctx, query, uuid, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list daily traffic %s: %w", uuid, err)
	}
	defer rows.Close()

	var out []model.DailyTraffic
	for rows.Next() {
		var d model.DailyTraffic
		if err := rows.Scan(&d.Day, &d.Bytes); err != nil {
			return nil, fmt.Errorf("scan daily traffic: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily traffic: %w", err)
	}
	return out, nil
}

// PruneDaily deletes buckets for days strictly before cutoff.
func (r *TrafficRepo) PruneDaily(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM traffic_daily WHERE day < ?`

	result, err := r.db.Writer.ExecContext(ctx, query, cutoff.UTC().Format(time.DateOnly))
	if err != nil {
		return 0, fmt.Errorf("prune daily traffic: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

func scanTrafficEntry(s scanner) (*model.TrafficEntry, error) {
	var e model.TrafficEntry
	var rawBytes, uplink, downlink sql.NullInt64
	var rawAt, counterAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&e.UUID, &e.KeyName, &e.Port, &e.TotalBytes, &rawBytes, &rawAt,
		&uplink, &downlink, &counterAt, &e.LastSource, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	if rawBytes.Valid {
		at, err := parseNullTime(rawAt)
		if err != nil {
			return nil, fmt.Errorf("parse last_raw_at: %w", err)
		}
		e.LastRaw = &model.RawSnapshot{Bytes: rawBytes.Int64, At: at}
	}
	if uplink.Valid && downlink.Valid {
		at, err := parseNullTime(counterAt)
		if err != nil {
			return nil, fmt.Errorf("parse last_counter_at: %w", err)
		}
		e.LastCounter = &model.CounterSnapshot{Uplink: uplink.Int64, Downlink: downlink.Int64, At: at}
	}

	return &e, nil
}
