package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/buildfactory/factoryd/internal/model"
)

const configFileName = "factoryd.yaml"

// LoadConfig reads <factoryDir>/factoryd.yaml and fills missing fields with
// defaults. A missing file yields the default configuration.
func LoadConfig(factoryDir string) (model.Config, error) {
	var cfg model.Config

	path := filepath.Join(factoryDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if cfg.Factory.Root == "" {
		cfg.Factory.Root = filepath.Join(factoryDir, "workspace")
	}
	return cfg, nil
}
