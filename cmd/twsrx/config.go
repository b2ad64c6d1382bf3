package main

import (
	"twsrx.com/internal/session"
)

type Config struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Log     LogConfig      `yaml:"log" mapstructure:"log"`
	TWS     session.Config `yaml:"tws" mapstructure:"tws"`
	Metrics MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // 为空不开 /metrics
}

func defaultConfig() Config {
	return Config{
		Name: "twsrx",
		Log:  LogConfig{Level: "info"},
		TWS:  session.DefaultConfig(),
	}
}
