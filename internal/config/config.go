package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Values come from defaults, an
// optional gary.yaml and GARY_* environment variables, in increasing order
// of precedence.
type Config struct {
	// Processing service
	ServiceURL       string        `validate:"required,url"`
	SocketPath       string        `validate:"required,startswith=/"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	ReconnectDelay   time.Duration `validate:"gte=0"` // 0 disables reconnects
	OperationTimeout time.Duration `validate:"gte=0"` // 0 waits forever

	// Results
	ResultsDir  string `validate:"required"`
	CatalogPath string // defaults to <ResultsDir>/results.db

	// Server
	Port int `validate:"min=1,max=65535"`

	// Audio
	PadSeconds        float64       `validate:"gt=0"`
	CrossfadeDuration time.Duration `validate:"gte=0"` // preview crossfade into a new result

	// Persisted user settings
	SettingsFile string `validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.url", "https://g4l.thecollabagepatch.com")
	v.SetDefault("service.socket_path", "/socket.io/")
	v.SetDefault("service.handshake_timeout", 20*time.Second)
	v.SetDefault("service.reconnect_delay", 2*time.Second)
	v.SetDefault("service.operation_timeout", 5*time.Minute)

	v.SetDefault("results.dir", "./results")
	v.SetDefault("results.catalog", "")

	v.SetDefault("http.port", 8080)

	v.SetDefault("audio.pad_seconds", 30.0)
	v.SetDefault("preview.crossfade", 3*time.Second)

	v.SetDefault("settings.file", "./settings.yaml")
}

// Load reads configuration. A missing config file is not an error; a
// malformed one is. GARY_CONFIG names an explicit config file.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("GARY_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gary")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		ServiceURL:       v.GetString("service.url"),
		SocketPath:       v.GetString("service.socket_path"),
		HandshakeTimeout: v.GetDuration("service.handshake_timeout"),
		ReconnectDelay:   v.GetDuration("service.reconnect_delay"),
		OperationTimeout: v.GetDuration("service.operation_timeout"),

		ResultsDir:  v.GetString("results.dir"),
		CatalogPath: v.GetString("results.catalog"),

		Port: v.GetInt("http.port"),

		PadSeconds:        v.GetFloat64("audio.pad_seconds"),
		CrossfadeDuration: v.GetDuration("preview.crossfade"),

		SettingsFile: v.GetString("settings.file"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
