package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

type bucketConfig struct {
	Bucket  string        `mapstructure:"bucket"`
	Parts   int           `mapstructure:"parts"`
	Replace bool          `mapstructure:"replace"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func TestConfigDecode(t *testing.T) {
	c := Config{"bucket": "data", "parts": "4", "replace": "true", "timeout": "3s"}

	var out bucketConfig
	require.NoError(t, c.Decode(&out))
	assert.Equal(t, bucketConfig{Bucket: "data", Parts: 4, Replace: true, Timeout: 3 * time.Second}, out)
}

func TestConfigDecodeInvalid(t *testing.T) {
	var out bucketConfig
	err := Config{"parts": "many"}.Decode(&out)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestConfigGetters(t *testing.T) {
	c := Config{"s": 5, "b": "true", "i": 7.0, "m": map[string]interface{}{"x": 1}}

	assert.Equal(t, "5", c.String("s", ""))
	assert.Equal(t, "def", c.String("absent", "def"))
	assert.True(t, c.Bool("b", false))
	assert.Equal(t, 7, c.Int("i", 0))
	assert.Equal(t, 3, c.Int("absent", 3))
	assert.Equal(t, 1, c.Map("m")["x"])

	created := c.Map("new")
	created["k"] = "v"
	assert.Equal(t, "v", c.Map("new")["k"])
}

func TestConfigRequire(t *testing.T) {
	c := Config{"host": "localhost", "empty": ""}
	assert.NoError(t, c.Require("host"))

	err := c.Require("host", "empty")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "empty is required")
}

func TestSettingsMerged(t *testing.T) {
	s := NewSettings(map[string]interface{}{"host": "a", "x": 1}, nil, map[string]interface{}{"x": 2})
	assert.NotNil(t, s.Credentials)
	assert.Equal(t, Config{"host": "a", "x": 2}, s.Merged())
}
