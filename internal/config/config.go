package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Translator struct {
	Endpoint string        `mapstructure:"endpoint"`
	Key      string        `mapstructure:"key"`
	Region   string        `mapstructure:"region"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Mode       string     `mapstructure:"mode"`
	Port       int        `mapstructure:"port"`
	ReadLimit  int64      `mapstructure:"read_limit"`
	Secret     string     `mapstructure:"secret"`
	Translator Translator `mapstructure:"translator"`
}

// Load reads config/config.<env>.yaml when present and lets environment
// variables override every key; the original deployment was env-only, so a
// missing file is just a warning. Missing translator credentials do not fail
// startup — the gateway degrades to identity translation instead.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("translator.timeout", "5s")

	_ = v.BindEnv("mode", "MODE")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("read_limit", "READ_LIMIT")
	_ = v.BindEnv("secret", "SECRET")
	_ = v.BindEnv("translator.endpoint", "AZURE_TRANSLATOR_ENDPOINT")
	_ = v.BindEnv("translator.key", "AZURE_TRANSLATOR_KEY")
	_ = v.BindEnv("translator.region", "AZURE_TRANSLATOR_REGION")
	_ = v.BindEnv("translator.timeout", "TRANSLATE_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("translator_configured", cfg.Translator.Endpoint != "" && cfg.Translator.Key != "" && cfg.Translator.Region != "").
		Msg("config ready")
	return &cfg, nil
}
