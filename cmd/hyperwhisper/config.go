package main

import (
	"fmt"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/api"
	"github.com/theramjad/hyperwhisper-fly/internal/config"
	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	"github.com/theramjad/hyperwhisper-fly/internal/correction/chat"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/kafka"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
	"github.com/theramjad/hyperwhisper-fly/internal/streaming"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/deepgram"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/elevenlabs"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/groq"
	"github.com/theramjad/hyperwhisper-fly/internal/validation"
)

// Config is the gateway configuration, read from config.yml, .env and the
// environment.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	// ShutdownTimeout bounds the graceful stop, including the billing
	// queue drain and live session teardown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Server     server.Config              `mapstructure:"server"`
	Store      store.Config               `mapstructure:"store"`
	Kafka      kafka.Config               `mapstructure:"kafka"`
	Tracing    observability.TracerConfig `mapstructure:"tracing"`
	Pricing    pricing.Model              `mapstructure:"pricing"`
	Identity   identity.Config            `mapstructure:"identity"`
	License    license.Config             `mapstructure:"license"`
	RateLimit  ratelimit.Config           `mapstructure:"rate_limit"`
	Ledger     ledger.Config              `mapstructure:"ledger"`
	STT        STTConfig                  `mapstructure:"stt"`
	Correction CorrectionConfig           `mapstructure:"correction"`
	Streaming  streaming.Config           `mapstructure:"streaming"`
	API        api.Config                 `mapstructure:"api"`
}

// STTConfig holds role assignments and every prerecorded vendor.
type STTConfig struct {
	stt.Config `mapstructure:",squash"`

	Deepgram   deepgram.Config   `mapstructure:"deepgram"`
	Groq       groq.Config       `mapstructure:"groq"`
	ElevenLabs elevenlabs.Config `mapstructure:"elevenlabs"`
}

// CorrectionConfig holds orchestration settings and both chat vendors.
type CorrectionConfig struct {
	correction.Config `mapstructure:",squash"`

	Primary   chat.Config `mapstructure:"primary"`
	Secondary chat.Config `mapstructure:"secondary"`
}

// ApplyDefaults fills every section.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	c.Server.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	c.Tracing.ApplyDefaults()
	c.Pricing.ApplyDefaults()
	c.Identity.ApplyDefaults()
	c.License.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Ledger.ApplyDefaults()
	c.STT.Config.ApplyDefaults()
	c.STT.Deepgram.ApplyDefaults()
	c.STT.Groq.ApplyDefaults()
	c.STT.ElevenLabs.ApplyDefaults()
	c.Correction.Config.ApplyDefaults()
	if c.Correction.Primary.Name == "" {
		c.Correction.Primary.Name = "cerebras"
	}
	if c.Correction.Secondary.Name == "" {
		c.Correction.Secondary.Name = "groq"
	}
	c.Correction.Primary.ApplyDefaults()
	c.Correction.Secondary.ApplyDefaults()
	c.Streaming.ApplyDefaults()
	c.API.ApplyDefaults()
}

// Validate checks every section. Missing vendor credentials are not an
// error here; they surface per request as CONFIGURATION_ERROR.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	checks := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"store", c.Store.Validate},
		{"kafka", c.Kafka.Validate},
		{"tracing", c.Tracing.Validate},
		{"correction.primary", c.Correction.Primary.Validate},
		{"correction.secondary", c.Correction.Secondary.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	if c.Correction.Primary.Name == c.Correction.Secondary.Name {
		return fmt.Errorf("correction: primary and secondary must be different vendors")
	}
	return validation.Validate(c)
}
