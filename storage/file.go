package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/eddielth/telemetry-hub/alerting"
	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

type fileDevice struct {
	HardwareID      string                 `yaml:"hardware_id"`
	LogicalID       string                 `yaml:"auid"`
	Family          string                 `yaml:"family"`
	SupportedFields []string               `yaml:"supported_fields"`
	Collaborators   []string               `yaml:"collaborators"`
	Snapshot        map[string]interface{} `yaml:"snapshot"`
}

type fileContents struct {
	Devices []fileDevice    `yaml:"devices"`
	Rules   []alerting.Rule `yaml:"rules"`
}

// FileStore serves devices and rules from a YAML fixture, for local runs
// and tests
type FileStore struct {
	path string

	mu      sync.RWMutex
	devices map[string]registry.Identity
	rules   map[string][]alerting.Rule
}

// NewFileStore loads the fixture at path
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the fixture. Invalid rules are skipped with a warning.
func (fs *FileStore) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read registry file %s: %w", fs.path, err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("parse registry file %s: %w", fs.path, err)
	}

	devices := make(map[string]registry.Identity, len(contents.Devices))
	for _, d := range contents.Devices {
		hw := strings.TrimSpace(d.HardwareID)
		if hw == "" || d.LogicalID == "" {
			logger.Warn("registry file %s: skipping device without hardware_id or auid", fs.path)
			continue
		}
		identity := registry.Identity{
			HardwareID:      hw,
			LogicalID:       d.LogicalID,
			SupportedFields: registry.FieldSet(d.SupportedFields),
			Collaborators:   d.Collaborators,
			Snapshot:        d.Snapshot,
		}
		if family, ok := transformer.ParseFamily(d.Family); ok {
			identity.Family = family
		}
		devices[hw] = identity
	}

	rules := make(map[string][]alerting.Rule)
	for _, rule := range contents.Rules {
		if err := rule.Validate(); err != nil {
			logger.Warn("registry file %s: skipping rule %s: %v", fs.path, rule.ID, err)
			continue
		}
		rules[rule.LogicalID] = append(rules[rule.LogicalID], rule)
	}

	fs.mu.Lock()
	fs.devices = devices
	fs.rules = rules
	fs.mu.Unlock()

	logger.Info("loaded %d devices and %d rules from %s", len(devices), len(contents.Rules), fs.path)
	return nil
}

func (fs *FileStore) FindByHardwareID(_ context.Context, hardwareID string) (registry.Identity, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	identity, ok := fs.devices[hardwareID]
	if !ok {
		return registry.Identity{}, registry.ErrNotFound
	}
	return identity, nil
}

func (fs *FileStore) ListByDevice(_ context.Context, logicalID string) ([]alerting.Rule, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rules := fs.rules[logicalID]
	out := make([]alerting.Rule, len(rules))
	copy(out, rules)
	return out, nil
}

// Close implements Backend
func (fs *FileStore) Close() error {
	return nil
}
