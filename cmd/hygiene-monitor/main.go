package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/server"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	staticDir := flag.String("static", "", "directory of the web dashboard")
	flag.Parse()

	fmt.Println("Restaurant Hygiene Monitor")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize the store
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	a, err := app.New(app.Options{Config: cfg, Store: st})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	// Find web directory
	webDir := *staticDir
	if webDir == "" {
		webDir = cfg.Server.StaticDir
	}
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(server.Config{
		StaticDir:    webDir,
		App:          a,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}).HTTPServer(cfg.Addr())

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s\n", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	if err := a.Close(); err != nil {
		log.Printf("Pipeline shutdown: %v", err)
	}
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web" and "../../web".
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}
	return ""
}
