// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forketyfork/xmpp/transport"
)

// Defaults applied to the zero values of Config.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultPhaseTimeout   = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second

	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = time.Minute
	DefaultReconnectMaxAttempts = 10
)

// Credentials are used to authenticate the stream.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Resource to request when binding. If empty the server picks one.
	Resource string `yaml:"resource"`

	// Identity is the SASL authorization identity. It is normally empty.
	Identity string `yaml:"identity"`
}

// ReconnectConfig configures the reconnect supervisor.
type ReconnectConfig struct {
	// Enabled turns on automatic reconnection. When false a failure is
	// recorded and reported as a Terminal notice without any retry.
	Enabled     bool          `yaml:"enabled"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WithDefaults returns a copy of c with zero durations and attempts replaced
// by their defaults.
func (c ReconnectConfig) WithDefaults() ReconnectConfig {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultReconnectMaxAttempts
	}
	return c
}

// Validate checks the reconnect settings.
func (c ReconnectConfig) Validate() error {
	switch {
	case c.BaseDelay < 0:
		return errors.New("reconnect.base_delay must not be negative")
	case c.MaxDelay < 0:
		return errors.New("reconnect.max_delay must not be negative")
	case c.MaxAttempts < 0:
		return errors.New("reconnect.max_attempts must not be negative")
	}
	return nil
}

// Config configures a Session.
// The zero value is usable; zero timeouts are replaced by the package
// defaults.
type Config struct {
	// Endpoint and Credentials are not used by the Session directly, they are
	// the targets a caller passes to Connect when loading a config file.
	Endpoint    transport.Endpoint `yaml:"endpoint"`
	Credentials Credentials        `yaml:"credentials"`

	// ConnectTimeout bounds a whole call to Connect.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RequestTimeout is the time Request waits for a response when the context
	// has no deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PhaseTimeout bounds the wait for every server element during
	// negotiation.
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// CloseTimeout bounds the wait for the server's closing stream tag.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// KeepAlive is the interval between pings to the server.
	// Zero disables keepalive pings.
	KeepAlive time.Duration `yaml:"keepalive"`

	// TLSRequired fails negotiation if the stream cannot be encrypted.
	TLSRequired bool `yaml:"tls_required"`

	// AllowInsecurePlain allows SASL PLAIN over an unencrypted stream.
	AllowInsecurePlain bool `yaml:"allow_insecure_plain"`

	// Lang is the default xml:lang of the stream.
	Lang string `yaml:"lang"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// OnDispatchError is called for every failed or panicking handler.
	OnDispatchError func(*DispatchError) `yaml:"-"`
}

// LoadConfig decodes a YAML config from r.
// Unknown keys are an error. Defaults are not applied.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("xmpp: failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	c.Reconnect = c.Reconnect.WithDefaults()
	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	for _, d := range [...]struct {
		name string
		v    time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"request_timeout", c.RequestTimeout},
		{"phase_timeout", c.PhaseTimeout},
		{"close_timeout", c.CloseTimeout},
		{"keepalive", c.KeepAlive},
	} {
		if d.v < 0 {
			return fmt.Errorf("xmpp: %s must not be negative", d.name)
		}
	}
	if p := c.Endpoint.Port; p < 0 || p > 65535 {
		return fmt.Errorf("xmpp: endpoint.port %d out of range", p)
	}
	if c.TLSRequired && c.Endpoint.Security == transport.SecurityDisabled {
		return errors.New("xmpp: tls_required conflicts with security disabled")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("xmpp: %w", err)
	}
	return nil
}
