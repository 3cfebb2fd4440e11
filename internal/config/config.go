// Package config loads Heron configuration from defaults, an optional YAML
// file and HERON_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/heron/internal/domain"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: HERON_SERVER__PORT sets server.port.
const EnvPrefix = "HERON_"

// DefaultPath is read when no explicit file is given. It may be absent.
const DefaultPath = "heron.yaml"

// Load builds the configuration. An explicit path must exist; the default
// path is optional. HERON_TIER=pro switches the defaults to the Pro tier and
// HERON_DEBUG=true forces debug logging.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if domain.Tier(os.Getenv(EnvPrefix+"TIER")) == domain.TierPro {
		defaults = domain.ProConfig()
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if k.Bool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks settings that would otherwise fail late.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", domain.ErrInvalidInput, cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: max upload bytes must be positive", domain.ErrInvalidInput)
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", domain.ErrInvalidInput)
	}
	if cfg.Worker.Enabled && cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("%w: worker concurrency must be positive", domain.ErrInvalidInput)
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, cfg.Tier)
	}
	return cfg.Detection.Validate()
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
