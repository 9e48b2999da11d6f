package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	RetryMaxAttemptsConfigurationKey      = "retry.max_attempts"
	RetryInitialBackoffConfigurationKey   = "retry.initial_backoff"
	RetryMaxBackoffConfigurationKey       = "retry.max_backoff"
	RetryMultiplierConfigurationKey       = "retry.multiplier"
	OperationPollIntervalConfigurationKey = "operation.poll_interval"
	QuotaCreatePauseConfigurationKey      = "quota.create_pause"
	LogLevelConfigurationKey              = "log.level"
	LogFormatConfigurationKey             = "log.format"
	EndpointConfigurationKey              = "endpoint"

	envPrefix      = "LABSETUP"
	configFileName = "labsetup"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Settings are the runtime knobs of a run. They never change what gets
// provisioned, only how patiently and how loudly.
type Settings struct {
	MaxAttempts           int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	Multiplier            float64
	OperationPollInterval time.Duration
	QuotaCreatePause      time.Duration
	LogLevel              string
	LogFormat             string
	// Endpoint replaces the base URL of every Google API client when set.
	Endpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(RetryMaxAttemptsConfigurationKey, 6)
	v.SetDefault(RetryInitialBackoffConfigurationKey, 2*time.Second)
	v.SetDefault(RetryMaxBackoffConfigurationKey, 30*time.Second)
	v.SetDefault(RetryMultiplierConfigurationKey, 2.0)
	v.SetDefault(OperationPollIntervalConfigurationKey, 2*time.Second)
	v.SetDefault(QuotaCreatePauseConfigurationKey, 500*time.Millisecond)
	v.SetDefault(LogLevelConfigurationKey, "info")
	v.SetDefault(LogFormatConfigurationKey, "console")
	v.SetDefault(EndpointConfigurationKey, "")
}

// NewViper returns a viper instance layered as defaults, then an optional
// labsetup.yaml in the working directory, then LABSETUP_* environment variables.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read labsetup.yaml")
		}
	}
	return v, nil
}

// DefaultSettings returns the built-in settings, ignoring any config file
// and environment.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaults(v)
	s, err := LoadSettings(v)
	if err != nil {
		panic(err)
	}
	return s
}

// LoadSettings reads Settings out of v and validates them.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		MaxAttempts:           v.GetInt(RetryMaxAttemptsConfigurationKey),
		InitialBackoff:        v.GetDuration(RetryInitialBackoffConfigurationKey),
		MaxBackoff:            v.GetDuration(RetryMaxBackoffConfigurationKey),
		Multiplier:            v.GetFloat64(RetryMultiplierConfigurationKey),
		OperationPollInterval: v.GetDuration(OperationPollIntervalConfigurationKey),
		QuotaCreatePause:      v.GetDuration(QuotaCreatePauseConfigurationKey),
		LogLevel:              v.GetString(LogLevelConfigurationKey),
		LogFormat:             v.GetString(LogFormatConfigurationKey),
		Endpoint:              v.GetString(EndpointConfigurationKey),
	}

	if s.MaxAttempts < 1 {
		return nil, errors.Errorf("%s must be at least 1, got %d", RetryMaxAttemptsConfigurationKey, s.MaxAttempts)
	}
	if s.Multiplier < 1 {
		return nil, errors.Errorf("%s must be at least 1, got %v", RetryMultiplierConfigurationKey, s.Multiplier)
	}
	if s.InitialBackoff < 0 || s.MaxBackoff < s.InitialBackoff {
		return nil, errors.Errorf("invalid backoff window [%s, %s]", s.InitialBackoff, s.MaxBackoff)
	}
	switch s.LogFormat {
	case "console", "json":
	default:
		return nil, errors.Errorf("%s must be console or json, got %q", LogFormatConfigurationKey, s.LogFormat)
	}
	return s, nil
}
