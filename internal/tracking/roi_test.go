package tracking

import (
	"testing"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

func TestROI_Contains(t *testing.T) {
	rect := NewRectangle("r", "Rect", ROITypeProteinContainer, 200, 150, 440, 350)
	triangle := NewPolygon("t", "Triangle", "sauce", []event.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 50, Y: 100}})

	tests := []struct {
		name string
		roi  ROI
		p    event.Point
		want bool
	}{
		{name: "rect center", roi: rect, p: event.Point{X: 320, Y: 250}, want: true},
		{name: "rect edge", roi: rect, p: event.Point{X: 200, Y: 150}, want: true},
		{name: "rect outside", roi: rect, p: event.Point{X: 100, Y: 250}, want: false},
		{name: "triangle inside", roi: triangle, p: event.Point{X: 50, Y: 30}, want: true},
		{name: "triangle outside corner", roi: triangle, p: event.Point{X: 5, Y: 90}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.roi.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestROIsFromConfig(t *testing.T) {
	inactive := false
	rois := ROIsFromConfig([]config.ROIConfig{
		{ID: "a", Type: ROITypeProteinContainer, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{ID: "b", Type: "sauce", Points: []config.PointConfig{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 0, Y: 5}}, Active: &inactive},
	})
	if len(rois) != 2 {
		t.Fatalf("len = %d, want 2", len(rois))
	}
	if !rois[0].IsRectangle() || !rois[0].Active {
		t.Errorf("rois[0] = %+v, want active rectangle", rois[0])
	}
	if rois[1].IsRectangle() || rois[1].Active {
		t.Errorf("rois[1] = %+v, want inactive polygon", rois[1])
	}

	regions := Regions(rois)
	if regions[0].Color != "#3B82F6" || regions[1].Color != defaultROIColor {
		t.Errorf("colors = %s, %s", regions[0].Color, regions[1].Color)
	}
}

func TestValidatePlacement(t *testing.T) {
	tests := []struct {
		name    string
		rois    []ROI
		wantErr bool
	}{
		{name: "fits", rois: []ROI{NewRectangle("a", "", "", 0, 0, 640, 480)}},
		{name: "out of frame", rois: []ROI{NewRectangle("a", "", "", 600, 400, 700, 470)}, wantErr: true},
		{name: "duplicate id", rois: []ROI{
			NewRectangle("a", "", "", 0, 0, 10, 10),
			NewRectangle("a", "", "", 20, 20, 30, 30),
		}, wantErr: true},
		{name: "degenerate", rois: []ROI{NewPolygon("a", "", "", []event.Point{{X: 1, Y: 1}})}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlacement(tt.rois, 640, 480)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlacement() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
