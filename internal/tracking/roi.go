package tracking

import (
	"fmt"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// ROI types.
const (
	ROITypeProteinContainer = "protein_container"
)

var roiColors = map[string]string{
	ROITypeProteinContainer: "#3B82F6",
}

const defaultROIColor = "#10B981"

// ROI is a monitored zone over the frame. Rectangles use inclusive bounds;
// other shapes use even-odd polygon containment.
type ROI struct {
	ID      string
	Name    string
	Type    string
	Polygon []event.Point
	Active  bool

	rect bool
}

// NewRectangle creates an active rectangular ROI.
func NewRectangle(id, name, roiType string, x1, y1, x2, y2 float64) ROI {
	return ROI{
		ID:   id,
		Name: name,
		Type: roiType,
		Polygon: []event.Point{
			{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2},
		},
		Active: true,
		rect:   true,
	}
}

// NewPolygon creates an active polygonal ROI.
func NewPolygon(id, name, roiType string, points []event.Point) ROI {
	return ROI{
		ID:      id,
		Name:    name,
		Type:    roiType,
		Polygon: append([]event.Point(nil), points...),
		Active:  true,
	}
}

// ROIsFromConfig converts configured zones.
func ROIsFromConfig(cfgs []config.ROIConfig) []ROI {
	rois := make([]ROI, 0, len(cfgs))
	for _, c := range cfgs {
		var r ROI
		if len(c.Points) > 0 {
			points := make([]event.Point, len(c.Points))
			for i, p := range c.Points {
				points[i] = event.Point{X: p.X, Y: p.Y}
			}
			r = NewPolygon(c.ID, c.Name, c.Type, points)
		} else {
			r = NewRectangle(c.ID, c.Name, c.Type, c.X1, c.Y1, c.X2, c.Y2)
		}
		if c.Active != nil {
			r.Active = *c.Active
		}
		rois = append(rois, r)
	}
	return rois
}

// IsRectangle reports whether the ROI was built from a rectangle.
func (r ROI) IsRectangle() bool { return r.rect }

// Bounds returns the axis-aligned box around the ROI.
func (r ROI) Bounds() event.BBox {
	if len(r.Polygon) == 0 {
		return event.BBox{}
	}
	b := event.BBox{X1: r.Polygon[0].X, Y1: r.Polygon[0].Y, X2: r.Polygon[0].X, Y2: r.Polygon[0].Y}
	for _, p := range r.Polygon[1:] {
		b.X1 = min(b.X1, p.X)
		b.Y1 = min(b.Y1, p.Y)
		b.X2 = max(b.X2, p.X)
		b.Y2 = max(b.Y2, p.Y)
	}
	return b
}

// Contains reports whether p lies inside the ROI.
func (r ROI) Contains(p event.Point) bool {
	if len(r.Polygon) < 3 {
		return false
	}
	if r.rect {
		b := r.Bounds()
		return p.X >= b.X1 && p.X <= b.X2 && p.Y >= b.Y1 && p.Y <= b.Y2
	}

	inside := false
	n := len(r.Polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := r.Polygon[i], r.Polygon[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}

// Region returns the visualisation data for the ROI.
func (r ROI) Region() event.Region {
	color, ok := roiColors[r.Type]
	if !ok {
		color = defaultROIColor
	}
	return event.Region{
		ID:     r.ID,
		Name:   r.Name,
		Type:   r.Type,
		Points: append([]event.Point(nil), r.Polygon...),
		Color:  color,
		Active: r.Active,
	}
}

// Regions returns visualisation data for every ROI.
func Regions(rois []ROI) []event.Region {
	out := make([]event.Region, len(rois))
	for i, r := range rois {
		out[i] = r.Region()
	}
	return out
}

// ValidatePlacement checks that every ROI fits inside a width x height frame.
func ValidatePlacement(rois []ROI, width, height int) error {
	seen := make(map[string]bool, len(rois))
	for _, r := range rois {
		if seen[r.ID] {
			return fmt.Errorf("duplicate roi id %q", r.ID)
		}
		seen[r.ID] = true

		if len(r.Polygon) < 3 {
			return fmt.Errorf("roi %s: needs at least 3 points", r.ID)
		}
		for _, p := range r.Polygon {
			if p.X < 0 || p.Y < 0 || p.X > float64(width) || p.Y > float64(height) {
				return fmt.Errorf("roi %s: point (%.0f,%.0f) outside %dx%d frame", r.ID, p.X, p.Y, width, height)
			}
		}
	}
	return nil
}
