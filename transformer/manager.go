package transformer

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/telemetry-hub/config"
	"github.com/eddielth/telemetry-hub/logger"
)

// Manager holds the enrichment scripts of each device family. A script
// defines enrich(fields) and returns an object of extra numeric metrics.
type Manager struct {
	scripts map[Family]*script
	mutex   sync.RWMutex
}

// script wraps one goja runtime; a runtime must not be used concurrently
type script struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	enrich     goja.Callable
	scriptPath string
}

// NewManager compiles the configured scripts, keyed by family name
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		scripts: make(map[Family]*script),
	}

	for name, cfg := range configs {
		family, ok := ParseFamily(name)
		if !ok {
			return nil, fmt.Errorf("transformer %q: %w", name, ErrUnknownFamily)
		}
		s, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer %s: %w", family, err)
		}
		manager.scripts[family] = s
		logger.Info("loaded enrichment script for family %s", family)
	}

	return manager, nil
}

func loadScript(cfg config.Transformer) (*script, error) {
	var scriptCode string

	// inline code wins over a path
	if cfg.ScriptCode != "" {
		scriptCode = cfg.ScriptCode
	} else if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	} else {
		return nil, fmt.Errorf("no script code or script path configured")
	}

	return newScript(scriptCode, cfg.ScriptPath)
}

func newScript(scriptCode, scriptPath string) (*script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).UTC().Format(format)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	enrichValue := vm.Get("enrich")
	if enrichValue == nil {
		return nil, fmt.Errorf("script does not define an 'enrich' function")
	}

	enrich, ok := goja.AssertFunction(enrichValue)
	if !ok {
		return nil, fmt.Errorf("'enrich' is not a function")
	}

	return &script{
		vm:         vm,
		enrich:     enrich,
		scriptPath: scriptPath,
	}, nil
}

// Enrich runs the family's script over the canonical values and returns the
// extra metrics. Script failures are logged and yield no extras; keys that
// collide with canonical fields and non-finite values are dropped.
func (m *Manager) Enrich(family Family, values map[string]float64) map[string]float64 {
	m.mutex.RLock()
	s, exists := m.scripts[family]
	m.mutex.RUnlock()
	if !exists {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}

	result, err := s.enrich(goja.Undefined(), s.vm.ToValue(fields))
	if err != nil {
		logger.Warn("enrichment script for %s failed: %v", family, err)
		return nil
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		logger.Warn("enrichment script for %s returned %T, expected an object", family, result.Export())
		return nil
	}

	extras := make(map[string]float64, len(exported))
	for k, raw := range exported {
		if _, canonical := values[k]; canonical {
			continue
		}
		switch n := raw.(type) {
		case int64:
			extras[k] = float64(n)
		case float64:
			if !math.IsNaN(n) && !math.IsInf(n, 0) {
				extras[k] = n
			}
		}
	}
	return extras
}

// Has reports whether a script is loaded for family
func (m *Manager) Has(family Family) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.scripts[family]
	return ok
}

// ReloadTransformer replaces the script of one family
func (m *Manager) ReloadTransformer(name string, cfg config.Transformer) error {
	family, ok := ParseFamily(name)
	if !ok {
		return fmt.Errorf("transformer %q: %w", name, ErrUnknownFamily)
	}

	s, err := loadScript(cfg)
	if err != nil {
		return fmt.Errorf("reload transformer %s: %w", family, err)
	}

	m.mutex.Lock()
	m.scripts[family] = s
	m.mutex.Unlock()

	logger.Info("reloaded enrichment script for family %s", family)
	return nil
}
