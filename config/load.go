package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file and ROTOGEN_*
// environment variables, applies defaults, and validates the result.
// An empty path skips the file and uses environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default registered, or AutomaticEnv values for it
	// would be invisible to Unmarshal.
	v.SetDefault("generator.model_name", "")
	v.SetDefault("generator.api_keys", []string{})
	v.SetDefault("generator.system_instruction", "")
	v.SetDefault("generator.error_log_path", "")
	v.SetDefault("batch.task_file", "")
	v.SetDefault("batch.output_file", "")
	v.SetDefault("batch.parse_json", false)
	v.SetDefault("log.json", false)
	v.SetDefault("generator.workers_per_key", 4)
	v.SetDefault("generator.rate_limit_per_slot", 12.0)
	v.SetDefault("generator.temperature", 0.3)
	v.SetDefault("generator.enable_monitoring", true)
	v.SetDefault("generator.monitoring_interval", 2.0)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("ROTOGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
