package kafka

import (
	"time"

	"github.com/IBM/sarama"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// Config is decoded from the merged sink settings
type Config struct {
	Brokers           []string      `mapstructure:"brokers"`
	Version           string        `mapstructure:"version"`
	TopicPrefix       string        `mapstructure:"topicPrefix"`
	StateTopic        string        `mapstructure:"stateTopic"`
	Partitions        int32         `mapstructure:"partitions"`
	ReplicationFactor int16         `mapstructure:"replicationFactor"`
	SASLMechanism     string        `mapstructure:"saslMechanism"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	BatchSize         int           `mapstructure:"batchSize"`
	BatchDelay        time.Duration `mapstructure:"batchDelay"`
	// ConnectTimeout bounds the retries of the initial broker connection
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

const defaultStateTopic = "_datapm_state"

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.StateTopic == "" {
		c.StateTopic = defaultStateTopic
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// Sarama builds the client configuration. Producers wait for every in-sync
// replica so a returned send is durable.
func (c *Config) Sarama() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid Kafka version")
	}

	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = "datapm"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Retry.Max = 5
	sc.Producer.Retry.Backoff = time.Second
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Return.Errors = true

	if c.Username != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = c.Username
		sc.Net.SASL.Password = c.Password
		switch c.SASLMechanism {
		case "", "plain":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "sha256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "sha512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported SASL mechanism %q", c.SASLMechanism)
		}
	}
	return sc, nil
}
