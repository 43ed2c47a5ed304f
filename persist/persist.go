// Package persist provides file-based whole-machine Snapshot persistence,
// ported from the statechart engine's production.JSONPersister/
// YAMLPersister idiom: a small directory-backed store keyed by machine ID,
// using the standard library for I/O and either encoding/json or
// gopkg.in/yaml.v3 for the wire format.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/comalice/hsmstate"
)

// FileJSONPersister is a directory-backed Persister using JSON.
type FileJSONPersister struct {
	dir string
}

// NewFileJSONPersister creates a FileJSONPersister, ensuring dir exists.
func NewFileJSONPersister(dir string) (*FileJSONPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileJSONPersister{dir: dir}, nil
}

// Save writes snap under machineID+".json".
func (p *FileJSONPersister) Save(machineID string, snap hsmstate.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	fn := filepath.Join(p.dir, machineID+".json")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return nil
}

// Load reads the snapshot previously saved under machineID.
func (p *FileJSONPersister) Load(machineID string) (hsmstate.Snapshot, error) {
	fn := filepath.Join(p.dir, machineID+".json")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hsmstate.Snapshot{}, fmt.Errorf("machine %q: %w", machineID, os.ErrNotExist)
		}
		return hsmstate.Snapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}
	var snap hsmstate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return hsmstate.Snapshot{}, fmt.Errorf("json unmarshal: %w", err)
	}
	return snap, nil
}

// FileYAMLPersister is a directory-backed Persister using YAML.
type FileYAMLPersister struct {
	dir string
}

// NewFileYAMLPersister creates a FileYAMLPersister, ensuring dir exists.
func NewFileYAMLPersister(dir string) (*FileYAMLPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileYAMLPersister{dir: dir}, nil
}

// Save writes snap under machineID+".yaml".
func (p *FileYAMLPersister) Save(machineID string, snap hsmstate.Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	fn := filepath.Join(p.dir, machineID+".yaml")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return nil
}

// Load reads the snapshot previously saved under machineID.
func (p *FileYAMLPersister) Load(machineID string) (hsmstate.Snapshot, error) {
	fn := filepath.Join(p.dir, machineID+".yaml")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hsmstate.Snapshot{}, fmt.Errorf("machine %q: %w", machineID, os.ErrNotExist)
		}
		return hsmstate.Snapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}
	var snap hsmstate.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return hsmstate.Snapshot{}, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return snap, nil
}
