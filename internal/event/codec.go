package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed is returned when a payload cannot be decoded or fails validation.
var ErrMalformed = errors.New("malformed payload")

const detectionsSchemaJSON = `{
	"type": "object",
	"required": ["stream_id", "generation", "frame_id", "detections", "violations"],
	"properties": {
		"stream_id": {"type": "string", "minLength": 1},
		"generation": {"type": "integer", "minimum": 1},
		"frame_id": {"type": "integer", "minimum": 0},
		"detections": {"type": ["array", "null"], "items": {"type": "object"}},
		"violations": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["id", "stream_id", "generation", "severity"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"severity": {"type": "string"}
				}
			}
		}
	}
}`

const rawDetectionSchemaJSON = `{
	"type": "object",
	"required": ["class_name", "confidence", "bbox", "center"],
	"properties": {
		"class_name": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"bbox": {
			"type": "object",
			"required": ["x1", "y1", "x2", "y2"],
			"properties": {
				"x1": {"type": "number"},
				"y1": {"type": "number"},
				"x2": {"type": "number"},
				"y2": {"type": "number"}
			}
		},
		"center": {
			"type": "object",
			"required": ["x", "y"],
			"properties": {
				"x": {"type": "number"},
				"y": {"type": "number"}
			}
		}
	}
}`

var (
	detectionsSchema   = jsonschema.MustCompileString("detections.json", detectionsSchemaJSON)
	rawDetectionSchema = jsonschema.MustCompileString("raw_detection.json", rawDetectionSchemaJSON)
)

// Encode marshals any bus message to JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeFrame parses a frames channel payload.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
	}
	if f.StreamID == "" || f.Generation == 0 {
		return Frame{}, fmt.Errorf("%w: frame missing stream_id or generation", ErrMalformed)
	}
	return f, nil
}

// DecodeDetections validates a detections channel payload against its schema
// and parses it.
func DecodeDetections(data []byte) (Detections, error) {
	if err := validateAgainstSchema(detectionsSchema, data); err != nil {
		return Detections{}, fmt.Errorf("%w: detections: %v", ErrMalformed, err)
	}
	var d Detections
	if err := json.Unmarshal(data, &d); err != nil {
		return Detections{}, fmt.Errorf("%w: detections: %v", ErrMalformed, err)
	}
	return d, nil
}

// DecodeCommand parses a control channel payload.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: command: %v", ErrMalformed, err)
	}
	switch c.Kind {
	case CommandStart, CommandStop:
		if c.StreamID == "" || c.Generation == 0 {
			return Command{}, fmt.Errorf("%w: %s command missing stream_id or generation", ErrMalformed, c.Kind)
		}
	case CommandFlush:
		if c.StreamID == "" {
			return Command{}, fmt.Errorf("%w: flush command missing stream_id", ErrMalformed)
		}
	default:
		return Command{}, fmt.Errorf("%w: unknown command kind %q", ErrMalformed, c.Kind)
	}
	return c, nil
}

// DecodeRawDetection validates and parses one detector result item.
func DecodeRawDetection(raw json.RawMessage) (RawDetection, error) {
	if err := validateAgainstSchema(rawDetectionSchema, raw); err != nil {
		return RawDetection{}, fmt.Errorf("%w: detection: %v", ErrMalformed, err)
	}
	var d RawDetection
	if err := json.Unmarshal(raw, &d); err != nil {
		return RawDetection{}, fmt.Errorf("%w: detection: %v", ErrMalformed, err)
	}
	return d, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
