package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the engine settings that are tunable without a rebuild.
type Config struct {
	// NTFSAllowWrites gates whether the NTFS writer touches the device.
	// Disabled, every mutation is planned and logged but not written.
	NTFSAllowWrites bool `mapstructure:"ntfs_allow_writes"`

	// JournalSizeBlocks is the JBD2 journal length used at format time.
	JournalSizeBlocks uint32 `mapstructure:"journal_size_blocks"`

	// ChainMaxIterations bounds FAT chain traversal before the walk is
	// declared corrupt.
	ChainMaxIterations uint32 `mapstructure:"chain_max_iterations"`

	// SymlinkMaxDepth bounds symlink resolution during path walks.
	SymlinkMaxDepth int `mapstructure:"symlink_max_depth"`

	// RecoveryMaxPoints caps retained recovery points per guard.
	RecoveryMaxPoints int `mapstructure:"recovery_max_points"`

	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string `mapstructure:"log_level"`
}

// Load reads moses-config.yaml when present and falls back to defaults.
// Environment variables prefixed MOSES_ override both.
func Load() (*Config, error) {
	viper.SetConfigName("moses-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.moses")
	viper.AddConfigPath("/etc/moses")

	viper.SetDefault("ntfs_allow_writes", false)
	viper.SetDefault("journal_size_blocks", 1024)
	viper.SetDefault("chain_max_iterations", 1<<22)
	viper.SetDefault("symlink_max_depth", 8)
	viper.SetDefault("recovery_max_points", 64)
	viper.SetDefault("log_level", "info")

	viper.SetEnvPrefix("MOSES")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in settings without consulting viper state.
func Default() *Config {
	return &Config{
		NTFSAllowWrites:    false,
		JournalSizeBlocks:  1024,
		ChainMaxIterations: 1 << 22,
		SymlinkMaxDepth:    8,
		RecoveryMaxPoints:  64,
		LogLevel:           "info",
	}
}

// ApplyLogLevel parses cfg.LogLevel onto the standard logger.
func (c *Config) ApplyLogLevel() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
