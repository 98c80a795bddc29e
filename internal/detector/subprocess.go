package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

const scriptName = "yolo_service.py"

// SubprocessDetector implements Detector using a Python YOLO subprocess.
// Frames go to the service's stdin as a 4-byte big-endian length followed by
// the JPEG; each frame is answered by one JSON line on stdout.
type SubprocessDetector struct {
	config    Config
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewSubprocessDetector creates a new subprocess detector.
// The service is started lazily on first detection.
func NewSubprocessDetector(config Config) (*SubprocessDetector, error) {
	if len(config.Command) == 0 {
		if config.Script == "" || !fileExists(config.Script) {
			config.Script = findScript()
		}
		if config.Script == "" {
			return nil, fmt.Errorf("%s not found", scriptName)
		}
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	return &SubprocessDetector{
		config: config,
	}, nil
}

// Detect sends a frame to the service and returns its detections. Items that
// fail validation are skipped.
func (d *SubprocessDetector) Detect(image []byte) ([]event.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	// Write length (4 bytes big-endian) + data
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(image)))

	if _, err := d.stdin.Write(length); err != nil {
		d.shutdown()
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := d.stdin.Write(image); err != nil {
		d.shutdown()
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("read response: %w", err)
	}

	var response struct {
		Detections []json.RawMessage `json:"detections"`
		Error      string            `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("%w: detector response: %v", event.ErrMalformed, err)
	}
	if response.Error != "" {
		return nil, errors.New("detector: " + response.Error)
	}

	result := make([]event.RawDetection, 0, len(response.Detections))
	for _, raw := range response.Detections {
		det, err := event.DecodeRawDetection(raw)
		if err != nil {
			log.Printf("detector: skipping item: %v", err)
			continue
		}
		result = append(result, det)
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return FilterConfidence(result, d.config.MinConfidence), nil
}

// Close shuts down the service.
func (d *SubprocessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *SubprocessDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	args := d.config.Command
	if len(args) == 0 {
		pythonPath := d.config.Python
		if pythonPath == "" {
			pythonPath = findVenvPython()
		}
		if pythonPath == "" {
			pythonPath = "python3"
		}
		args = []string{pythonPath, d.config.Script}
	}

	d.cmd = exec.Command(args[0], args[1:]...)
	if len(d.config.Env) > 0 {
		d.cmd.Env = append(os.Environ(), d.config.Env...)
	}

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start detection service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.lastUsed = time.Now()

	return nil
}

func (d *SubprocessDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *SubprocessDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.config.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", scriptName),
		filepath.Join("..", "scripts", scriptName),
		filepath.Join(execDir, "scripts", scriptName),
	}

	for _, path := range candidates {
		if fileExists(path) {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment
// relative to the working directory or the executable.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
	}

	for _, path := range candidates {
		if fileExists(path) {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
