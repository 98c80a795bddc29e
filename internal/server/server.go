// Package server provides the HTTP and WebSocket surface of the hygiene
// monitor.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/notify"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/server/api"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 5 * time.Second

// Config holds the server configuration.
type Config struct {
	StaticDir    string
	App          *app.App
	WriteTimeout time.Duration
}

// Server represents the HTTP server.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	proc   *process.Process
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		log.Printf("process metrics unavailable: %v", err)
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if a := s.config.App; a != nil {
		streamHandler := api.NewStreamHandler(a)
		mjpegHandler := NewMJPEGHandler(a.Gateway(), s.config.WriteTimeout)

		// /api/streams/{id}/mjpeg is served here, everything else by the API.
		streamRouter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/mjpeg") {
				mjpegHandler.ServeHTTP(w, r)
				return
			}
			streamHandler.ServeHTTP(w, r)
		})
		s.mux.Handle("/api/streams/", streamRouter)

		roiHandler := api.NewROIHandler(a)
		s.mux.Handle("/api/rois", roiHandler)
		s.mux.Handle("/api/rois/", roiHandler)

		s.mux.Handle("/api/violations", api.NewViolationHandler(a))
		s.mux.Handle("/ws", NewObserverHandler(a.Gateway(), s.config.WriteTimeout))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type processStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

type healthResponse struct {
	Status              string        `json:"status"`
	Uptime              string        `json:"uptime"`
	ActiveWSConnections int           `json:"active_ws_connections"`
	ActiveStream        string        `json:"active_stream,omitempty"`
	Generation          uint64        `json:"generation"`
	TotalViolations     int           `json:"total_violations"`
	StoredViolations    int           `json:"stored_violations"`
	Process             *processStats `json:"process,omitempty"`
	Hooks               *notify.Stats `json:"hooks,omitempty"`
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.start).String(),
	}

	if a := s.config.App; a != nil {
		response.ActiveWSConnections = a.Gateway().Subscribers()
		response.TotalViolations = a.Gateway().TotalViolations()
		st := a.Coordinator().Status()
		response.Generation = st.Generation
		if st.Session != nil {
			response.ActiveStream = st.Session.StreamID
		}
		if st := a.Store(); st != nil {
			if n, err := st.Violations().Count(""); err == nil {
				response.StoredViolations = n
			} else {
				log.Printf("health: count violations: %v", err)
			}
		}
		if d := a.Hooks(); d != nil {
			hs := d.Stats()
			response.Hooks = &hs
		}
	}

	if s.proc != nil {
		var ps processStats
		if cpu, err := s.proc.CPUPercent(); err == nil {
			ps.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			ps.RSSBytes = mem.RSS
		}
		response.Process = &ps
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// HTTPServer returns an http.Server for addr that can be shut down
// gracefully.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
