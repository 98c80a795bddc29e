package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/capture"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/detector"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/gateway"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/lifecycle"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/server"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/store"
)

type message struct {
	Type       string          `json:"type"`
	StreamID   string          `json:"stream_id"`
	Generation uint64          `json:"generation"`
	Data       event.Violation `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	cfg := config.Default()
	cfg.Stream.TargetFPS = 50
	cfg.Tracking.PickingThreshold = 50 * time.Millisecond

	// A hand reaches into the default zone, lingers and leaves without a
	// scooper anywhere in the frame.
	script := [][]event.RawDetection{
		{detector.Hand(150, 250)},
		{detector.Hand(230, 250)},
	}
	for i := 0; i < 6; i++ {
		script = append(script, []event.RawDetection{detector.Hand(320, 250)})
	}
	script = append(script,
		[]event.RawDetection{detector.Hand(230, 250)},
		[]event.RawDetection{detector.Hand(150, 250)},
	)
	md := detector.NewMockDetector()
	md.Script(script...)

	application, err := app.New(app.Options{
		Config:    cfg,
		Store:     s,
		Detector:  md,
		Opener:    capture.MockOpener(capture.NewMockSource([][]byte{[]byte("frame")}, true)),
		Annotator: gateway.NopAnnotator{},
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	defer application.Close()

	ts := httptest.NewServer(server.New(server.Config{App: application}))
	defer ts.Close()
	client := ts.Client()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?stream_id=kitchen", nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for application.Gateway().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Run("ListDefaultROIs", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/rois")
		if err != nil {
			t.Fatalf("list rois error = %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			ROIs []event.Region `json:"rois"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if len(body.ROIs) == 0 {
			t.Fatal("expected the configured zones")
		}
	})

	t.Run("StartStream", func(t *testing.T) {
		resp, err := client.Post(ts.URL+"/api/streams/start", "application/json",
			strings.NewReader(`{"source": "0", "stream_id": "kitchen"}`))
		if err != nil {
			t.Fatalf("start error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("ReceiveViolationAlert", func(t *testing.T) {
		readUntil(t, conn, gateway.TypeDetectionResults)
		alert := readUntil(t, conn, gateway.TypeViolationAlert)
		if alert.StreamID != "kitchen" || alert.Data.Generation != 1 {
			t.Errorf("alert = %+v, want kitchen generation 1", alert)
		}
	})

	t.Run("ViolationPersisted", func(t *testing.T) {
		var stored []event.Violation
		deadline := time.Now().Add(2 * time.Second)
		for len(stored) == 0 && time.Now().Before(deadline) {
			resp, err := client.Get(ts.URL + "/api/violations?stream_id=kitchen&source=store")
			if err != nil {
				t.Fatalf("list violations error = %v", err)
			}
			json.NewDecoder(resp.Body).Decode(&stored)
			resp.Body.Close()
			if len(stored) == 0 {
				time.Sleep(20 * time.Millisecond)
			}
		}
		if len(stored) != 1 {
			t.Fatalf("stored violations = %d, want 1", len(stored))
		}
		if stored[0].StreamID != "kitchen" {
			t.Errorf("stream = %s, want kitchen", stored[0].StreamID)
		}
	})

	t.Run("StopAndRestart", func(t *testing.T) {
		resp, err := client.Post(ts.URL+"/api/streams/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("stop error = %v", err)
		}
		resp.Body.Close()

		resp, err = client.Post(ts.URL+"/api/streams/start", "application/json",
			strings.NewReader(`{"source": "0", "stream_id": "kitchen"}`))
		if err != nil {
			t.Fatalf("restart error = %v", err)
		}
		var started struct {
			Generation uint64 `json:"generation"`
		}
		json.NewDecoder(resp.Body).Decode(&started)
		resp.Body.Close()
		if started.Generation != 2 {
			t.Fatalf("generation = %d, want 2", started.Generation)
		}

		// Results from the old run are never delivered after the restart.
		for {
			msg := readUntil(t, conn, gateway.TypeDetectionResults)
			if msg.Generation == 2 {
				break
			}
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			if msg.Generation != 0 && msg.Generation < 2 {
				t.Fatalf("received %s from generation %d after restart", msg.Type, msg.Generation)
			}
		}
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/streams/status")
		if err != nil {
			t.Fatalf("status error = %v", err)
		}
		defer resp.Body.Close()

		var status lifecycle.Status
		json.NewDecoder(resp.Body).Decode(&status)
		if status.State != lifecycle.StateActive || status.Generation != 2 {
			t.Errorf("status = %+v, want active generation 2", status)
		}
	})

	t.Run("Shutdown", func(t *testing.T) {
		resp, err := client.Post(ts.URL+"/api/streams/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("stop error = %v", err)
		}
		resp.Body.Close()

		if st := application.Coordinator().Status(); st.State != lifecycle.StateIdle {
			t.Errorf("state = %s, want idle", st.State)
		}
	})
}
