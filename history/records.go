package history

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by transfer id matches no row.
var ErrNotFound = errors.New("history: transfer not found")

// RecordTransfer upserts one terminal transfer into the log.
func (s *Store) RecordTransfer(r Record) error {
	if r.ID == "" {
		return errors.New("transfer_id is required")
	}
	if r.Direction == "" {
		r.Direction = "receive"
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id, direction, peer_address, filename, stored_path,
			size_bytes, status, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			status = excluded.status,
			stored_path = excluded.stored_path,
			finished_at = excluded.finished_at`,
		r.ID, r.Direction, r.PeerAddress, r.Filename, r.StoredPath,
		r.SizeBytes, r.Status, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", r.ID, err)
	}
	return nil
}

// GetTransfer fetches one row by id.
func (s *Store) GetTransfer(id string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, direction, peer_address, filename, stored_path,
			size_bytes, status, started_at, finished_at
		FROM transfers WHERE transfer_id = ?`, id,
	)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return r, nil
}

// ListRecent returns up to limit rows, most recently finished first.
func (s *Store) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT transfer_id, direction, peer_address, filename, stored_path,
			size_bytes, status, started_at, finished_at
		FROM transfers ORDER BY finished_at DESC, transfer_id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent transfers: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r           Record
		peerAddress sql.NullString
		storedPath  sql.NullString
		startedAt   sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.Direction, &peerAddress, &r.Filename, &storedPath,
		&r.SizeBytes, &r.Status, &startedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.PeerAddress = peerAddress.String
	r.StoredPath = storedPath.String
	r.StartedAt = startedAt.Int64
	return &r, nil
}
