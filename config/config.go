// Package config loads CLI configuration from environment variables and
// an optional config file. Environment variables (ROTOGEN_ prefix) take
// precedence over file values.
package config

// Config holds all CLI configuration, grouped by concern.
type Config struct {
	Generator GeneratorConfig `mapstructure:"generator" validate:"required"`
	Batch     BatchConfig     `mapstructure:"batch" validate:"required"`
	Log       LogConfig       `mapstructure:"log"`
}

// GeneratorConfig mirrors the generator construction options.
type GeneratorConfig struct {
	ModelName         string   `mapstructure:"model_name"          validate:"required"`
	APIKeys           []string `mapstructure:"api_keys"`
	WorkersPerKey     int      `mapstructure:"workers_per_key"     validate:"gte=0"`
	RateLimitSeconds  float64  `mapstructure:"rate_limit_per_slot" validate:"gte=0"`
	SystemInstruction string   `mapstructure:"system_instruction"`
	Temperature       float64  `mapstructure:"temperature"         validate:"gte=0,lte=2"`
	ErrorLogPath      string   `mapstructure:"error_log_path"`
	EnableMonitoring  bool     `mapstructure:"enable_monitoring"`
	MonitorSeconds    float64  `mapstructure:"monitoring_interval" validate:"gte=0"`
}

// BatchConfig controls one batch run from the CLI.
type BatchConfig struct {
	TaskFile   string `mapstructure:"task_file"   validate:"required"`
	OutputFile string `mapstructure:"output_file"`
	ParseJSON  bool   `mapstructure:"parse_json"`
	MaxRetries int    `mapstructure:"max_retries" validate:"gte=0"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}
