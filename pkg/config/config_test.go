package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConf struct {
	TWS struct {
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"tws"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "twsrx.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
tws:
  host: 10.0.0.5
  port: 4002
  connect_timeout: 3s
log:
  level: info
`), 0644))

	t.Setenv("TWSRX_LOG_LEVEL", "debug")

	var c testConf
	v, err := Load("twsrx", file, &c)
	require.NoError(t, err)
	assert.Equal(t, file, v.ConfigFileUsed())
	assert.Equal(t, "10.0.0.5", c.TWS.Host)
	assert.Equal(t, 4002, c.TWS.Port)
	assert.Equal(t, 3*time.Second, c.TWS.ConnectTimeout)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	var c testConf
	_, err := Load("twsrx", filepath.Join(t.TempDir(), "nope.yaml"), &c)
	assert.Error(t, err)
}
