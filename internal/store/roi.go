package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// ROI shapes.
const (
	ShapeRectangle = "rectangle"
	ShapePolygon   = "polygon"
)

// ROI is a monitored zone stored in the database.
type ROI struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Shape     string        `json:"shape"`
	Points    []event.Point `json:"points"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ROIRepository provides CRUD operations for zones.
type ROIRepository struct {
	db *sql.DB
}

// ROIs returns the zone repository for this store.
func (s *Store) ROIs() *ROIRepository {
	return &ROIRepository{db: s.db}
}

// Upsert inserts roi or replaces the stored zone with the same ID.
func (r *ROIRepository) Upsert(roi *ROI) error {
	if roi.Shape != ShapeRectangle && roi.Shape != ShapePolygon {
		return fmt.Errorf("unknown shape %q", roi.Shape)
	}
	points, err := json.Marshal(roi.Points)
	if err != nil {
		return fmt.Errorf("encode points: %w", err)
	}

	now := time.Now()
	if roi.CreatedAt.IsZero() {
		roi.CreatedAt = now
	}
	roi.UpdatedAt = now

	_, err = r.db.Exec(
		`INSERT INTO rois (id, name, type, shape, points, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   type = excluded.type,
		   shape = excluded.shape,
		   points = excluded.points,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		roi.ID, roi.Name, roi.Type, roi.Shape, string(points), roi.Active, roi.CreatedAt, roi.UpdatedAt,
	)
	return err
}

// GetByID retrieves a zone by its ID.
func (r *ROIRepository) GetByID(id string) (*ROI, error) {
	row := r.db.QueryRow(
		`SELECT id, name, type, shape, points, active, created_at, updated_at
		 FROM rois WHERE id = ?`,
		id,
	)
	roi, err := scanROI(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return roi, nil
}

// List retrieves all zones ordered by ID.
func (r *ROIRepository) List() ([]*ROI, error) {
	rows, err := r.db.Query(
		`SELECT id, name, type, shape, points, active, created_at, updated_at
		 FROM rois ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rois []*ROI
	for rows.Next() {
		roi, err := scanROI(rows)
		if err != nil {
			return nil, err
		}
		rois = append(rois, roi)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rois, nil
}

// SetActive toggles whether a zone is monitored.
func (r *ROIRepository) SetActive(id string, active bool) error {
	result, err := r.db.Exec(`UPDATE rois SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a zone by its ID.
func (r *ROIRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM rois WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanROI(row scanner) (*ROI, error) {
	roi := &ROI{}
	var points string
	if err := row.Scan(&roi.ID, &roi.Name, &roi.Type, &roi.Shape, &points, &roi.Active, &roi.CreatedAt, &roi.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(points), &roi.Points); err != nil {
		return nil, fmt.Errorf("decode points for %s: %w", roi.ID, err)
	}
	return roi, nil
}
