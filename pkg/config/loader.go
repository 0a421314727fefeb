package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/promptgate/promptgate/pkg/observability/logging"
)

var (
	config     *Config
	configOnce sync.Once
	configErr  error
	configMu   sync.RWMutex

	configUpdateCh chan *Config
	configUpdateMu sync.Mutex
)

// Load loads the configuration from the specified YAML file once and caches
// it globally. Subsequent calls return the cached snapshot.
func Load(configPath string) (*Config, error) {
	configOnce.Do(func() {
		cfg, err := Parse(configPath)
		if err != nil {
			configErr = err
			return
		}
		configMu.Lock()
		config = cfg
		configMu.Unlock()
	})
	if configErr != nil {
		return nil, configErr
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return config, nil
}

// Parse reads, unmarshals and validates a config file without touching the
// global snapshot.
func Parse(configPath string) (*Config, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts.
	resolved, _ := filepath.EvalSymlinks(configPath)
	if resolved == "" {
		resolved = configPath
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseBytes(data)
}

// ParseBytes unmarshals and validates raw YAML config data.
func ParseBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	// Precompute the fingerprint so readers never race on the lazy path.
	_ = cfg.Fingerprint()

	logging.Infof("Config parsed: rules=%d detectors=%d fingerprint=%s",
		len(cfg.Rules), len(cfg.Detectors), cfg.Fingerprint())
	return cfg, nil
}

// Replace swaps the globally cached config. The new config must already be
// validated. Safe for concurrent readers; in-flight requests keep the
// snapshot they started with.
func Replace(newCfg *Config) {
	configMu.Lock()
	config = newCfg
	configErr = nil
	configMu.Unlock()

	configUpdateMu.Lock()
	if configUpdateCh != nil {
		select {
		case configUpdateCh <- newCfg:
		default:
			logging.Warnf("Config update channel full, notification skipped")
		}
	}
	configUpdateMu.Unlock()

	logging.Infof("Config replaced: rules=%d fingerprint=%s", len(newCfg.Rules), newCfg.Fingerprint())
}

// Get returns the currently active configuration snapshot.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return config
}

// WatchUpdates returns a channel that receives replaced configs. Only one
// watcher is supported at a time.
func WatchUpdates() <-chan *Config {
	configUpdateMu.Lock()
	defer configUpdateMu.Unlock()

	if configUpdateCh == nil {
		configUpdateCh = make(chan *Config, 1)
	}
	return configUpdateCh
}
