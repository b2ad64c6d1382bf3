package session

import (
	"time"

	"twsrx.com/pkg/ratelimit"
)

type Config struct {
	Host                  string                `yaml:"host" mapstructure:"host"`
	Port                  int                   `yaml:"port" mapstructure:"port"`
	ClientID              int                   `yaml:"client_id" mapstructure:"client_id"`
	ConnectTimeout        time.Duration         `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	DisconnectGrace       time.Duration         `yaml:"disconnect_grace" mapstructure:"disconnect_grace"`
	DisableConfirmTimeout time.Duration         `yaml:"disable_confirm_timeout" mapstructure:"disable_confirm_timeout"`
	Pacing                ratelimit.PacerConfig `yaml:"pacing" mapstructure:"pacing"`
}

func DefaultConfig() Config {
	return Config{
		Host:                  "127.0.0.1",
		Port:                  7496,
		ConnectTimeout:        10 * time.Second,
		DisconnectGrace:       2 * time.Second,
		DisableConfirmTimeout: 2 * time.Second,
		Pacing:                ratelimit.DefaultPacerConfig(),
	}
}

// withDefaults 只补零值字段
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = d.DisconnectGrace
	}
	if c.DisableConfirmTimeout <= 0 {
		c.DisableConfirmTimeout = d.DisableConfirmTimeout
	}
	return c
}
