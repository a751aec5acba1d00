package pubsubbroker

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds settings for the Google Cloud Pub/Sub backend.
type Config struct {
	ProjectID       string
	CredentialsFile string // Optional
	// AckDeadline is applied to subscriptions this package creates.
	AckDeadline time.Duration
	// CloseTimeout bounds how long Close waits for receivers to return.
	CloseTimeout time.Duration
}

// NewConfigDefaults returns a config for projectID.
func NewConfigDefaults(projectID string) *Config {
	return &Config{
		ProjectID:    projectID,
		AckDeadline:  60 * time.Second,
		CloseTimeout: 10 * time.Second,
	}
}

// LoadConfigWithEnv reads PUBSUB_PROJECT_ID, PUBSUB_CREDENTIALS_FILE and
// PUBSUB_ACK_DEADLINE over the defaults. PUBSUB_EMULATOR_HOST is honoured by
// the client library itself.
func LoadConfigWithEnv() *Config {
	cfg := NewConfigDefaults(os.Getenv("PUBSUB_PROJECT_ID"))
	if v := os.Getenv("PUBSUB_CREDENTIALS_FILE"); v != "" {
		cfg.CredentialsFile = v
	}
	if v := os.Getenv("PUBSUB_ACK_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AckDeadline = d
		} else {
			log.Warn().Err(err).Msg("pubsubbroker: invalid PUBSUB_ACK_DEADLINE, using default")
		}
	}
	return cfg
}
