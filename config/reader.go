package config

import (
	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Read loads, expands, and validates a service config from a file.
func Read(filePath string, logger golog.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", filePath)
	}
	cfg, err := FromBytes(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load config file %q", filePath)
	}
	logger.Infow("loaded config", "path", filePath, "objects", len(cfg.Objects))
	return cfg, nil
}

// FromBytes parses and validates a raw config document.
func FromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "malformed config document")
	}
	if err := cfg.Ensure(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
