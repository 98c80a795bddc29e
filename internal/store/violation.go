package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// ViolationRepository persists emitted violations. Rows are never updated.
type ViolationRepository struct {
	db *sql.DB
}

// Violations returns the violation repository for this store.
func (s *Store) Violations() *ViolationRepository {
	return &ViolationRepository{db: s.db}
}

// SaveViolation inserts v. Saving the same violation twice is a no-op.
func (r *ViolationRepository) SaveViolation(ctx context.Context, v event.Violation) error {
	var bbox sql.NullString
	if v.BBox != nil {
		data, err := json.Marshal(v.BBox)
		if err != nil {
			return fmt.Errorf("encode bbox: %w", err)
		}
		bbox = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO violations
		 (id, stream_id, generation, frame_id, type, severity, message, confidence, bbox, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.StreamID, int64(v.Generation), int64(v.FrameID), v.Type, v.Severity, v.Message,
		v.Confidence, bbox, v.Timestamp.UTC(),
	)
	return err
}

// GetByID retrieves a violation by its ID.
func (r *ViolationRepository) GetByID(id string) (event.Violation, error) {
	row := r.db.QueryRow(
		`SELECT id, stream_id, generation, frame_id, type, severity, message, confidence, bbox, occurred_at
		 FROM violations WHERE id = ?`,
		id,
	)
	v, err := scanViolation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Violation{}, ErrNotFound
		}
		return event.Violation{}, err
	}
	return v, nil
}

// List returns up to limit violations, newest first. An empty streamID
// matches every stream and a non-positive limit returns all rows.
func (r *ViolationRepository) List(streamID string, limit int) ([]event.Violation, error) {
	query := `SELECT id, stream_id, generation, frame_id, type, severity, message, confidence, bbox, occurred_at
		 FROM violations`
	var args []any
	if streamID != "" {
		query += ` WHERE stream_id = ?`
		args = append(args, streamID)
	}
	query += ` ORDER BY occurred_at DESC, frame_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []event.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return violations, nil
}

// Count returns the number of stored violations for streamID, or for every
// stream when streamID is empty.
func (r *ViolationRepository) Count(streamID string) (int, error) {
	var n int
	var err error
	if streamID == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM violations`).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM violations WHERE stream_id = ?`, streamID).Scan(&n)
	}
	return n, err
}

// DeleteByStream removes every violation recorded for streamID.
func (r *ViolationRepository) DeleteByStream(streamID string) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM violations WHERE stream_id = ?`, streamID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanViolation(row scanner) (event.Violation, error) {
	var v event.Violation
	var generation, frameID int64
	var bbox sql.NullString

	err := row.Scan(&v.ID, &v.StreamID, &generation, &frameID, &v.Type, &v.Severity, &v.Message,
		&v.Confidence, &bbox, &v.Timestamp)
	if err != nil {
		return event.Violation{}, err
	}

	v.Generation = uint64(generation)
	v.FrameID = uint64(frameID)
	if bbox.Valid {
		var b event.BBox
		if err := json.Unmarshal([]byte(bbox.String), &b); err != nil {
			return event.Violation{}, fmt.Errorf("decode bbox: %w", err)
		}
		v.BBox = &b
	}
	return v, nil
}
