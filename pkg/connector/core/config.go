// Package core holds the types shared by sinks and sources.
package core

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// Config is an opaque key-value map. Each connector decodes it into its own
// typed struct.
type Config map[string]interface{}

// Decode decodes the map into out using mapstructure tags. String values are
// converted to numbers, booleans and durations where needed, and a comma
// separated string fills a slice.
func (c Config) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(c)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	return nil
}

// String returns the value of key as a string, or def
func (c Config) String(key, def string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// Bool returns the value of key as a bool, or def
func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the value of key as an int, or def
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Map returns the nested map stored under key, creating it when absent
func (c Config) Map(key string) map[string]interface{} {
	switch v := c[key].(type) {
	case map[string]interface{}:
		return v
	case Config:
		return v
	}
	m := make(map[string]interface{})
	c[key] = m
	return m
}

// Require returns an ErrorTypeConfig error naming the first key with no value
func (c Config) Require(keys ...string) error {
	for _, k := range keys {
		if v, ok := c[k]; !ok || v == nil || v == "" {
			return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("%s is required", k))
		}
	}
	return nil
}

// ConnectorType distinguishes sinks from sources
type ConnectorType string

const (
	ConnectorTypeSource ConnectorType = "source"
	ConnectorTypeSink   ConnectorType = "sink"
)

// Settings bundles the three configuration maps every connector call
// receives. Connection says where, Credentials says who, Config says how.
type Settings struct {
	Connection  Config
	Credentials Config
	Config      Config
}

// NewSettings returns settings with non-nil maps
func NewSettings(connection, credentials, cfg map[string]interface{}) Settings {
	if connection == nil {
		connection = map[string]interface{}{}
	}
	if credentials == nil {
		credentials = map[string]interface{}{}
	}
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return Settings{Connection: connection, Credentials: credentials, Config: cfg}
}

// Merged returns connection, credentials and config flattened into one map.
// Later maps win on key collisions.
func (s Settings) Merged() Config {
	out := make(Config, len(s.Connection)+len(s.Credentials)+len(s.Config))
	for _, m := range []Config{s.Connection, s.Credentials, s.Config} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
