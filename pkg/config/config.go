// Package config loads service settings from the environment, reading a
// .env file first when one is present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"` // stdout when empty
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	SnapshotSchedule string `mapstructure:"snapshot_schedule"` // cron expression; empty disables
	SnapshotWorkers  int    `mapstructure:"snapshot_workers"`

	OperatorName string `mapstructure:"operator_name"`
	NodeID       int64  `mapstructure:"node_id"` // snowflake node for receipt numbers
}

var defaults = map[string]any{
	"http_addr":         ":8080",
	"db_driver":         DriverSQLite,
	"db_dsn":            "finance.db",
	"log_level":         "info",
	"log_file":          "",
	"log_max_size_mb":   100,
	"log_max_backups":   10,
	"write_timeout":     "10s",
	"snapshot_schedule": "0 1 * * *",
	"snapshot_workers":  4,
	"operator_name":     "admin",
	"node_id":           1,
}

// Load reads the configuration. envFiles default to ".env"; a missing file
// is not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Existing environment variables win over the file.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("config: DB_DSN is required")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: WRITE_TIMEOUT must be positive")
	}
	if c.SnapshotWorkers <= 0 {
		return fmt.Errorf("config: SNAPSHOT_WORKERS must be positive")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: NODE_ID must be in [0, 1023]")
	}
	return nil
}
