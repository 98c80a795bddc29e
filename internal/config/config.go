// Package config loads the monitor's settings from a YAML file, an optional
// .env file and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Drop policies for the frame publisher.
const (
	DropPolicyBlock = "block"
	DropPolicyDrop  = "drop"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Tracking TrackingConfig `yaml:"tracking"`
	ROIs     []ROIConfig    `yaml:"rois"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Bus      BusConfig      `yaml:"bus"`
	Detector DetectorConfig `yaml:"detector"`
	Store    StoreConfig    `yaml:"store"`
	Hooks    HooksConfig    `yaml:"hooks"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

type StreamConfig struct {
	TargetFPS    int           `yaml:"target_fps"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	DropPolicy   string        `yaml:"drop_policy"`
	ReadRetries  int           `yaml:"read_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Loop         bool          `yaml:"loop"`
	VideoDir     string        `yaml:"video_dir"`
}

type TrackingConfig struct {
	PickingThreshold    time.Duration `yaml:"picking_threshold"`
	CleaningThreshold   time.Duration `yaml:"cleaning_threshold"`
	AssociationDistance float64       `yaml:"association_distance"`
	TrackingDistance    float64       `yaml:"tracking_distance"`
	StalenessWindow     time.Duration `yaml:"staleness_window"`
	Cooldown            time.Duration `yaml:"cooldown"`
	HistorySize         int           `yaml:"history_size"`
	HandClasses         []string      `yaml:"hand_classes"`
	ScooperClasses      []string      `yaml:"scooper_classes"`
}

// ROIConfig describes a monitored zone either as a rectangle (x1..y2) or as
// a polygon (points). Points win when both are set.
type ROIConfig struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	Type   string        `yaml:"type"`
	X1     float64       `yaml:"x1"`
	Y1     float64       `yaml:"y1"`
	X2     float64       `yaml:"x2"`
	Y2     float64       `yaml:"y2"`
	Points []PointConfig `yaml:"points"`
	Active *bool         `yaml:"active"`
}

type PointConfig struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type GatewayConfig struct {
	SubscriberQueue  int           `yaml:"subscriber_queue"`
	FrameCache       int           `yaml:"frame_cache"`
	FPSWindow        time.Duration `yaml:"fps_window"`
	ViolationHistory int           `yaml:"violation_history"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type BusConfig struct {
	Buffer int `yaml:"buffer"`
}

type DetectorConfig struct {
	Script        string  `yaml:"script"`
	Python        string  `yaml:"python"`
	MinConfidence float64 `yaml:"min_confidence"`
	Mock          bool    `yaml:"mock"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// HooksConfig locates external violation hooks. An empty Dir disables them.
type HooksConfig struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
	Queue   int           `yaml:"queue"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Stream: StreamConfig{
			TargetFPS:    10,
			Width:        640,
			Height:       480,
			DropPolicy:   DropPolicyBlock,
			ReadRetries:  5,
			RetryBackoff: 200 * time.Millisecond,
			Loop:         true,
			VideoDir:     "videos",
		},
		Tracking: TrackingConfig{
			PickingThreshold:    300 * time.Millisecond,
			CleaningThreshold:   3 * time.Second,
			AssociationDistance: 150,
			TrackingDistance:    100,
			StalenessWindow:     time.Second,
			Cooldown:            2 * time.Second,
			HistorySize:         30,
			HandClasses:         []string{"hand"},
			ScooperClasses:      []string{"scooper"},
		},
		ROIs: []ROIConfig{{
			ID:   "roi_1",
			Name: "Protein Container",
			Type: "protein_container",
			X1:   200,
			Y1:   150,
			X2:   440,
			Y2:   350,
		}},
		Gateway: GatewayConfig{
			SubscriberQueue:  8,
			FrameCache:       64,
			FPSWindow:        time.Second,
			ViolationHistory: 100,
			WriteTimeout:     5 * time.Second,
		},
		Bus: BusConfig{Buffer: 64},
		Detector: DetectorConfig{
			Script:        "scripts/yolo_service.py",
			MinConfidence: 0.5,
		},
		Store: StoreConfig{Path: "hygiene.db"},
		Hooks: HooksConfig{
			Timeout: 5 * time.Second,
			Queue:   32,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies a .env
// file from the working directory and environment overrides. A missing file
// at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Server.StaticDir = getEnv("STATIC_DIR", c.Server.StaticDir)
	c.Stream.TargetFPS = getEnvAsInt("TARGET_FPS", c.Stream.TargetFPS)
	c.Stream.DropPolicy = getEnv("DROP_POLICY", c.Stream.DropPolicy)
	c.Stream.VideoDir = getEnv("VIDEO_DIR", c.Stream.VideoDir)
	c.Tracking.PickingThreshold = getEnvAsDuration("PICKING_THRESHOLD", c.Tracking.PickingThreshold)
	c.Tracking.CleaningThreshold = getEnvAsDuration("CLEANING_THRESHOLD", c.Tracking.CleaningThreshold)
	c.Tracking.Cooldown = getEnvAsDuration("VIOLATION_COOLDOWN", c.Tracking.Cooldown)
	c.Tracking.AssociationDistance = getEnvAsFloat("ASSOCIATION_DISTANCE", c.Tracking.AssociationDistance)
	c.Detector.Script = getEnv("DETECTOR_SCRIPT", c.Detector.Script)
	c.Detector.Python = getEnv("PYTHON_PATH", c.Detector.Python)
	c.Detector.Mock = getEnv("DETECTOR_MOCK", strconv.FormatBool(c.Detector.Mock)) == "true"
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)
	c.Hooks.Dir = getEnv("HOOKS_DIR", c.Hooks.Dir)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	case c.Stream.TargetFPS <= 0:
		return fmt.Errorf("stream.target_fps must be positive, got %d", c.Stream.TargetFPS)
	case c.Stream.DropPolicy != DropPolicyBlock && c.Stream.DropPolicy != DropPolicyDrop:
		return fmt.Errorf("stream.drop_policy must be %q or %q, got %q", DropPolicyBlock, DropPolicyDrop, c.Stream.DropPolicy)
	case c.Tracking.PickingThreshold <= 0:
		return errors.New("tracking.picking_threshold must be positive")
	case c.Tracking.CleaningThreshold <= c.Tracking.PickingThreshold:
		return errors.New("tracking.cleaning_threshold must exceed picking_threshold")
	case c.Tracking.AssociationDistance <= 0 || c.Tracking.TrackingDistance <= 0:
		return errors.New("tracking distances must be positive")
	case c.Tracking.StalenessWindow <= 0:
		return errors.New("tracking.staleness_window must be positive")
	case c.Tracking.Cooldown < 0:
		return errors.New("tracking.cooldown must not be negative")
	case len(c.ROIs) == 0:
		return errors.New("at least one roi is required")
	case c.Gateway.SubscriberQueue <= 0:
		return errors.New("gateway.subscriber_queue must be positive")
	case c.Hooks.Dir != "" && (c.Hooks.Timeout <= 0 || c.Hooks.Queue <= 0):
		return errors.New("hooks.timeout and hooks.queue must be positive")
	}

	for _, r := range c.ROIs {
		if r.ID == "" {
			return errors.New("roi id is required")
		}
		if len(r.Points) == 0 && (r.X1 >= r.X2 || r.Y1 >= r.Y2) {
			return fmt.Errorf("roi %s has invalid dimensions", r.ID)
		}
		if len(r.Points) > 0 && len(r.Points) < 3 {
			return fmt.Errorf("roi %s polygon needs at least 3 points", r.ID)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
