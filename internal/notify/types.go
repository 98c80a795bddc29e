// Package notify runs external hook executables when violations are raised.
//
// Each hook lives in its own directory under the hooks directory and is
// described by a hook.json manifest. The hook receives a Request as JSON on
// stdin and answers with a Response on stdout.
package notify

import (
	"encoding/json"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// EventViolation is sent for every admitted violation.
const EventViolation = "violation"

// Manifest describes a hook's metadata and the events it handles.
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	Executable   string          `json:"executable"`
	Events       []string        `json:"events"`
	Config       json.RawMessage `json:"config,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// Request is written to a hook's stdin.
type Request struct {
	Event     string          `json:"event"`
	Violation event.Violation `json:"violation"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Response is read from a hook's stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hook is a discovered hook with its manifest and location.
type Hook struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Handles reports whether the hook subscribes to name. A manifest without
// events handles all of them.
func (h *Hook) Handles(name string) bool {
	if len(h.Manifest.Events) == 0 {
		return true
	}
	for _, e := range h.Manifest.Events {
		if e == name {
			return true
		}
	}
	return false
}
