package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ManifestFile is the manifest name looked up in each hook directory.
const ManifestFile = "hook.json"

// ErrHookNotFound is returned when a requested hook cannot be found.
var ErrHookNotFound = errors.New("hook not found")

// Manager discovers hooks and keeps them by name.
type Manager struct {
	dir   string
	hooks map[string]*Hook
	mu    sync.RWMutex
}

// NewManager creates a new Manager for the given hooks directory.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:   dir,
		hooks: make(map[string]*Hook),
	}
}

// Discover scans the hooks directory and loads every valid manifest.
// A missing directory yields no hooks. Hooks whose config does not match
// their configSchema are skipped.
func (m *Manager) Discover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = make(map[string]*Hook)

	info, err := os.Stat(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		hook, err := loadHook(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Printf("notify: skipping %s: %v", path, err)
			}
			continue
		}
		m.hooks[hook.Manifest.Name] = hook
	}
	return nil
}

func loadHook(path string) (*Hook, error) {
	data, err := os.ReadFile(filepath.Join(path, ManifestFile))
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if manifest.Name == "" || manifest.Executable == "" {
		return nil, errors.New("manifest needs a name and an executable")
	}
	if err := validateConfig(manifest); err != nil {
		return nil, err
	}

	return &Hook{
		Manifest:   manifest,
		Path:       path,
		Executable: filepath.Join(path, manifest.Executable),
	}, nil
}

func validateConfig(manifest Manifest) error {
	if len(manifest.ConfigSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(manifest.Name+".schema.json", string(manifest.ConfigSchema))
	if err != nil {
		return fmt.Errorf("invalid configSchema: %w", err)
	}

	var config any = map[string]any{}
	if len(manifest.Config) > 0 {
		if err := json.Unmarshal(manifest.Config, &config); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if err := schema.Validate(config); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// Get returns a hook by name.
func (m *Manager) Get(name string) (*Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hook, ok := m.hooks[name]
	if !ok {
		return nil, ErrHookNotFound
	}
	return hook, nil
}

// List returns every discovered hook ordered by name.
func (m *Manager) List() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hooks := make([]*Hook, 0, len(m.hooks))
	for _, h := range m.hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Manifest.Name < hooks[j].Manifest.Name })
	return hooks
}

// Dir returns the hooks directory.
func (m *Manager) Dir() string {
	return m.dir
}
