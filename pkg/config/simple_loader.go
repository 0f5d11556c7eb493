package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// ConnectorFile is the on-disk form of a sink or source configuration
type ConnectorFile struct {
	Type        string                 `yaml:"type"`
	Connection  map[string]interface{} `yaml:"connection"`
	Credentials map[string]interface{} `yaml:"credentials"`
	Config      map[string]interface{} `yaml:"config"`
}

// LoadConnector loads a connector configuration from a YAML file. ${VAR}
// references are replaced with environment values before parsing.
func LoadConnector(filePath string) (*ConnectorFile, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").WithDetail("file", filePath)
	}

	content := substituteEnvVars(string(data))

	cf := &ConnectorFile{}
	if err := yaml.Unmarshal([]byte(content), cf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").WithDetail("file", filePath)
	}
	if cf.Type == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "type is required").WithDetail("file", filePath)
	}
	if cf.Connection == nil {
		cf.Connection = map[string]interface{}{}
	}
	if cf.Credentials == nil {
		cf.Credentials = map[string]interface{}{}
	}
	if cf.Config == nil {
		cf.Config = map[string]interface{}{}
	}
	return cf, nil
}

// SaveConnector writes a connector configuration back to a YAML file. It is
// used to persist answers cached in Config during a run.
func SaveConnector(filePath string, cf *ConnectorFile) error {
	data, err := yaml.Marshal(cf)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file").WithDetail("file", filePath)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
