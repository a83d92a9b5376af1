package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dibenedetto/meshade/pkg/models"
)

// sanitizeName makes a registry name safe as a file stem.
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// SaveAll writes every registered workflow to dir as <name>.json,
// creating the directory if needed.
func (m *Manager) SaveAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, wf := range m.workflows {
		data, err := json.MarshalIndent(wf, "", "\t")
		if err != nil {
			return fmt.Errorf("marshal workflow %q: %w", name, err)
		}
		path := filepath.Join(dir, sanitizeName(name)+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write workflow %q: %w", name, err)
		}
	}
	return nil
}

// LoadAll registers every *.json workflow definition found in dir. The
// file's recorded name wins over the file stem; definitions are linked
// on the way in. A missing directory is not an error.
func (m *Manager) LoadAll(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflow dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read workflow file %q: %w", entry.Name(), err)
		}
		var wf models.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parse workflow file %q: %w", entry.Name(), err)
		}
		name := wf.Name
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), ".json")
		}
		if _, err := m.Add(&wf, name); err != nil {
			return fmt.Errorf("register workflow %q: %w", name, err)
		}
	}
	return nil
}
