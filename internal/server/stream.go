package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/gateway"
)

// MJPEGHandler serves a stream's annotated frames as multipart JPEG.
type MJPEGHandler struct {
	gateway *gateway.Gateway
	timeout time.Duration
}

// NewMJPEGHandler creates a new MJPEGHandler for gw.
func NewMJPEGHandler(gw *gateway.Gateway, writeTimeout time.Duration) *MJPEGHandler {
	return &MJPEGHandler{gateway: gw, timeout: writeTimeout}
}

// mjpegSender hands the latest annotated image to the HTTP handler. Older
// images are replaced when the client falls behind.
type mjpegSender struct {
	images chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *mjpegSender) Send(data []byte) error {
	var msg gateway.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != gateway.TypeDetectionResults {
		return nil
	}
	select {
	case <-s.images:
	default:
	}
	select {
	case s.images <- msg.AnnotatedImage:
	case <-s.done:
	}
	return nil
}

func (s *mjpegSender) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// ServeHTTP streams /api/streams/{id}/mjpeg until the client disconnects.
func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamID := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	streamID = strings.TrimSuffix(streamID, "/mjpeg")
	if streamID == "" || strings.Contains(streamID, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	sender := &mjpegSender{images: make(chan []byte, 1), done: make(chan struct{})}
	sub := h.gateway.Attach(sender)
	defer h.gateway.Detach(sub.ID())
	h.gateway.Subscribe(sub.ID(), streamID)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	rc := http.NewResponseController(w)

	for {
		var img []byte
		select {
		case <-r.Context().Done():
			return
		case <-sender.done:
			return
		case img = <-sender.images:
		}

		rc.SetWriteDeadline(time.Now().Add(h.timeout))
		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(img))
		if _, err := w.Write(img); err != nil {
			log.Printf("mjpeg %s: %v", streamID, err)
			return
		}
		fmt.Fprintf(w, "\r\n")

		if flusher != nil {
			flusher.Flush()
		}
	}
}
