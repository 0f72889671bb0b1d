package utils

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/someone5678/system-update-engine-twrp/pkg/file"
)

// Duration is a time.Duration that unmarshals from YAML strings like "24h"
// or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
	} `yaml:"mqtt"`

	Device struct {
		ID            string `yaml:"id"`              // Unique device identifier
		OSReleaseFile string `yaml:"os_release_file"` // Path to the os-release file
	} `yaml:"device"`

	Prefs struct {
		Backend            string `yaml:"backend"`             // "file" or "redis"
		Directory          string `yaml:"directory"`           // Root directory for the file backend
		PowerwashDirectory string `yaml:"powerwash_directory"` // Directory surviving a factory reset
		RedisAddr          string `yaml:"redis_addr"`          // Redis address for the redis backend
		RedisHashKey       string `yaml:"redis_hash_key"`      // Hash holding ephemeral prefs
		RedisPowerwashKey  string `yaml:"redis_powerwash_key"` // Hash holding powerwash-safe prefs
	} `yaml:"prefs"`

	Services struct {
		Update struct {
			Topic       string `yaml:"topic"`        // MQTT topic for update lifecycle commands
			StatusTopic string `yaml:"status_topic"` // MQTT topic for publishing update status
			Enabled     bool   `yaml:"enabled"`      // Enable/disable update service
			QOS         int    `yaml:"qos"`          // MQTT QoS level for update messages
		} `yaml:"update"`

		Metrics struct {
			Topic string `yaml:"topic"` // MQTT topic for metric events
			QOS   int    `yaml:"qos"`   // MQTT QoS level for metric events
		} `yaml:"metrics"`
	} `yaml:"services"`

	Backoff struct {
		BaseInterval  Duration `yaml:"base_interval"`  // First-retry backoff interval
		MaxInterval   Duration `yaml:"max_interval"`   // Cap on the exponential backoff
		MaxJitter     Duration `yaml:"max_jitter"`     // Upper bound on the jitter added to each backoff
		DurationSlack Duration `yaml:"duration_slack"` // Slack tolerated when comparing wall-clock times
	} `yaml:"backoff"`
}

// Backoff policy defaults, applied when the corresponding config field is
// left unset. The values are deliberately fleet-friendly: day-scale growth
// with enough jitter to spread retries across devices.
const (
	DefaultBackoffBaseInterval  = Duration(24 * time.Hour)
	DefaultBackoffMaxInterval   = Duration(16 * 24 * time.Hour)
	DefaultBackoffMaxJitter     = Duration(6 * time.Hour)
	DefaultBackoffDurationSlack = Duration(10 * time.Minute)
)

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	// Use the ReadYamlFile method from fileClient
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	applyBackoffDefaults(&config)
	return &config, nil
}

// applyBackoffDefaults fills in unset backoff policy knobs.
func applyBackoffDefaults(config *Config) {
	if config.Backoff.BaseInterval <= 0 {
		config.Backoff.BaseInterval = DefaultBackoffBaseInterval
	}
	if config.Backoff.MaxInterval <= 0 {
		config.Backoff.MaxInterval = DefaultBackoffMaxInterval
	}
	if config.Backoff.MaxJitter <= 0 {
		config.Backoff.MaxJitter = DefaultBackoffMaxJitter
	}
	if config.Backoff.DurationSlack <= 0 {
		config.Backoff.DurationSlack = DefaultBackoffDurationSlack
	}
}
