// Package config loads Kestrel configuration from defaults, an optional YAML
// file, a .env file and KESTREL_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// KESTREL_SERVER_PORT or KESTREL_DETECTION_FLAG_THRESHOLD_PERCENTILE.
const EnvPrefix = "KESTREL"

// New returns a viper instance bound to the KESTREL_ environment. When path
// is empty, config.yaml is searched in the working directory and /etc/kestrel.
func New(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kestrel")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads configuration into a fresh viper instance.
func Load(path string) (*domain.Config, error) {
	return LoadInto(New(path))
}

// LoadInto reads configuration using v, which may already carry flag bindings.
func LoadInto(v *viper.Viper) (*domain.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, "", reflect.ValueOf(base).Elem())

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of cfg under its mapstructure key so that
// environment variables can override keys absent from the config file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("tier %q must be community or pro", cfg.Tier))
	}

	d := cfg.Detection
	if d.FlagThresholdPercentile < 0 || d.FlagThresholdPercentile > 100 {
		errs = append(errs, fmt.Errorf("detection.flag_threshold_percentile %v must be within [0, 100]", d.FlagThresholdPercentile))
	}
	if d.ExplanationTopK < 1 {
		errs = append(errs, errors.New("detection.explanation_top_k must be at least 1"))
	}
	if d.MinTraining < 1 || d.MaxTraining < d.MinTraining {
		errs = append(errs, fmt.Errorf("detection training window [%d, %d] is invalid", d.MinTraining, d.MaxTraining))
	}
	if d.Forest.Trees < 1 || d.Forest.SampleSize < 2 {
		errs = append(errs, errors.New("detection.forest needs at least 1 tree and a sample size of 2"))
	}
	if d.Workers < 1 {
		errs = append(errs, errors.New("detection.workers must be at least 1"))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("repository.driver %q must be sqlite or postgres", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type %q must be memory or redis", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("eventbus.type %q must be channel or nats", cfg.EventBus.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
