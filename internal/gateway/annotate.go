package gateway

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// Annotator draws detections, zones and violations onto a JPEG frame.
type Annotator interface {
	Annotate(img []byte, d event.Detections) ([]byte, error)
}

// NopAnnotator returns frames unchanged.
type NopAnnotator struct{}

func (NopAnnotator) Annotate(img []byte, _ event.Detections) ([]byte, error) {
	return img, nil
}

var (
	classColors = map[string]color.RGBA{
		"hand":    {R: 255, G: 0, B: 0, A: 0},
		"scooper": {R: 0, G: 255, B: 0, A: 0},
		"pizza":   {R: 128, G: 0, B: 128, A: 0},
		"person":  {R: 255, G: 165, B: 0, A: 0},
	}
	defaultClassColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	roiColor          = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	violationColor    = color.RGBA{R: 255, G: 0, B: 0, A: 0}
)

// CVAnnotator draws with OpenCV.
type CVAnnotator struct{}

func (CVAnnotator) Annotate(img []byte, d event.Detections) ([]byte, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decode frame: empty image")
	}

	for _, r := range d.Regions {
		if !r.Active || len(r.Points) < 2 {
			continue
		}
		for i := range r.Points {
			a, b := r.Points[i], r.Points[(i+1)%len(r.Points)]
			if err := gocv.Line(&mat, toPt(a), toPt(b), roiColor, 2); err != nil {
				return nil, fmt.Errorf("draw roi: %w", err)
			}
		}
		if err := gocv.PutText(&mat, r.Name, toPt(r.Points[0]).Add(image.Pt(0, -6)), gocv.FontHersheySimplex, 0.5, roiColor, 1); err != nil {
			return nil, fmt.Errorf("draw roi label: %w", err)
		}
	}

	for _, det := range d.Detections {
		if det.BBox == nil {
			continue
		}
		c, ok := classColors[det.ClassName]
		if !ok {
			c = defaultClassColor
		}
		rect := toRect(*det.BBox)
		if err := gocv.Rectangle(&mat, rect, c, 2); err != nil {
			return nil, fmt.Errorf("draw detection: %w", err)
		}
		label := fmt.Sprintf("%s (%.2f)", det.ClassName, det.Confidence)
		if err := gocv.PutText(&mat, label, image.Pt(rect.Min.X, rect.Min.Y-5), gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			return nil, fmt.Errorf("draw label: %w", err)
		}
	}

	for _, v := range d.Violations {
		if v.BBox == nil {
			continue
		}
		rect := toRect(*v.BBox)
		if err := gocv.Rectangle(&mat, rect, violationColor, 4); err != nil {
			return nil, fmt.Errorf("draw violation: %w", err)
		}
		if err := gocv.PutText(&mat, "VIOLATION", image.Pt(rect.Min.X, rect.Max.Y+20), gocv.FontHersheySimplex, 0.7, violationColor, 2); err != nil {
			return nil, fmt.Errorf("draw violation label: %w", err)
		}
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func toPt(p event.Point) image.Point {
	return image.Pt(int(p.X), int(p.Y))
}

func toRect(b event.BBox) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}
