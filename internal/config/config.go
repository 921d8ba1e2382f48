// Package config loads settings for the lavaprobe diagnostic tool.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	WSURL    string `mapstructure:"ws_url"`
	RESTURL  string `mapstructure:"rest_url"`
	Password string `mapstructure:"password"`
	UserID   string `mapstructure:"user_id"`
	Protocol string `mapstructure:"protocol"`
	LogLevel string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("LAVA_CONFIG")
	if fileName == "" {
		fileName = "config/lavaprobe.yaml"
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("lava")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 2333)
	v.SetDefault("protocol", "lavalink")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; env vars and defaults carry the rest.
		log.Debug().Str("file", fileName).Msg("no config file, using env and defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
