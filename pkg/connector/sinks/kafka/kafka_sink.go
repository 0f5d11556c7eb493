// Package kafka publishes each schema to its own topic and keeps the run
// state as the latest message per package in a compacted topic.
//
// Records are visible to consumers as soon as a group is acknowledged, so
// the sink only appends; replacing existing data is refused.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// SinkType is the registry identifier of this sink
const SinkType = "kafka"

const (
	keyTopic   = "topic"
	keyRecords = "records"

	headerSchema    = "datapm-schema"
	headerStreamSet = "datapm-stream-set"
	headerStream    = "datapm-stream"
	headerOffset    = "datapm-offset"
)

// Cluster is the broker access the sink needs
type Cluster interface {
	Producer() (sarama.SyncProducer, error)
	// EnsureTopic creates topic when missing
	EnsureTopic(topic string, detail *sarama.TopicDetail) error
	// LastMessage returns the value of the latest message with key, or nil
	LastMessage(topic string, key string) ([]byte, error)
	Close() error
}

// Dialer opens a Cluster for a configuration
type Dialer func(ctx context.Context, cfg *Config) (Cluster, error)

// KafkaSink implements sink.Sink
type KafkaSink struct {
	dial   Dialer
	logger *zap.Logger
}

// NewKafkaSink creates a sink dialing real brokers
func NewKafkaSink() *KafkaSink {
	return NewKafkaSinkWithDialer(Dial)
}

// NewKafkaSinkWithDialer creates a sink using dial for broker access
func NewKafkaSinkWithDialer(dial Dialer) *KafkaSink {
	return &KafkaSink{dial: dial, logger: logger.With(zap.String("sink", SinkType))}
}

func (s *KafkaSink) Type() string { return SinkType }

func (s *KafkaSink) config(settings core.Settings) (*Config, error) {
	merged := settings.Merged()
	if err := merged.Require("brokers"); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := merged.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if _, err := cfg.Sarama(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *KafkaSink) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

// IsStronglyTyped is false: messages are JSON documents
func (s *KafkaSink) IsStronglyTyped(core.Settings) bool { return false }

func (s *KafkaSink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.AppendOnlyLog, sink.BatchFullSet},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream, sink.PerStreamSet},
	}
}

// Topic names the topic of a schema
func Topic(cfg *Config, schemaSlug string) string {
	if cfg.TopicPrefix == "" {
		return schemaSlug
	}
	return cfg.TopicPrefix + "." + schemaSlug
}

// Message builds the message published for a record
func Message(topic, schemaSlug string, rc models.RecordContext) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(rc.Record)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record").
			WithDetail("offset", rc.Offset)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(rc.StreamSetSlug + "/" + rc.StreamSlug),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerSchema), Value: []byte(schemaSlug)},
			{Key: []byte(headerStreamSet), Value: []byte(rc.StreamSetSlug)},
			{Key: []byte(headerStream), Value: []byte(rc.StreamSlug)},
			{Key: []byte(headerOffset), Value: []byte(strconv.FormatInt(rc.Offset, 10))},
		},
	}, nil
}

func (s *KafkaSink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	if req.ReplaceExistingData {
		return nil, errors.New(errors.ErrorTypeValidation, "kafka topics cannot replace existing data").
			WithDetail("schema", req.SchemaSlug)
	}

	cluster, err := s.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	topic := Topic(cfg, req.SchemaSlug)
	if err := cluster.EnsureTopic(topic, &sarama.TopicDetail{
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}); err != nil {
		_ = cluster.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create topic").WithDetail("topic", topic)
	}
	producer, err := cluster.Producer()
	if err != nil {
		_ = cluster.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create producer")
	}

	var published int64
	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("topic", topic))
	flush := func(ctx context.Context, group []models.RecordContext) error {
		msgs := make([]*sarama.ProducerMessage, len(group))
		for i, rc := range group {
			msg, err := Message(topic, req.SchemaSlug, rc)
			if err != nil {
				return err
			}
			msgs[i] = msg
		}
		if err := producer.SendMessages(msgs); err != nil {
			return err
		}
		published += int64(len(msgs))
		log.Debug("published group", zap.Int("messages", len(msgs)))
		return nil
	}
	closeAll := func(context.Context) error {
		perr := producer.Close()
		if cerr := cluster.Close(); perr == nil {
			perr = cerr
		}
		return perr
	}

	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(closeAll),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: "kafka://" + topic,
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{{keyTopic: topic, keyRecords: published}}
		},
	}, nil
}

// CommitAfterWrites publishes the new state. Records were acknowledged by
// the writers already.
func (s *KafkaSink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	if req.NewState == nil {
		return nil
	}
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	data, err := sink.MarshalState(req.NewState)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
	}

	cluster, err := s.dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cluster.Close()

	if err := cluster.EnsureTopic(cfg.StateTopic, stateTopicDetail(cfg)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create state topic")
	}
	producer, err := cluster.Producer()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create producer")
	}
	defer producer.Close()

	_, offset, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: cfg.StateTopic,
		Key:   sarama.StringEncoder(req.StateKey.String()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
	}

	topics := make([]string, 0, len(req.CommitKeys))
	for _, key := range req.CommitKeys {
		if t, ok := key[keyTopic].(string); ok {
			topics = append(topics, t)
		}
	}
	s.logger.Info("commit completed",
		zap.String("package", req.StateKey.String()),
		zap.Strings("topics", topics),
		zap.Int64("state_offset", offset))
	return nil
}

func stateTopicDetail(cfg *Config) *sarama.TopicDetail {
	compact := "compact"
	return &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     map[string]*string{"cleanup.policy": &compact},
	}
}

// SinkState reads the latest state message of the package
func (s *KafkaSink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	cluster, err := s.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cluster.Close()

	data, err := cluster.LastMessage(cfg.StateTopic, req.StateKey.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	if data == nil {
		return nil, nil
	}
	state, err := sink.UnmarshalState(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}

// Dial connects to the brokers, retrying with exponential backoff until
// cfg.ConnectTimeout elapses.
func Dial(ctx context.Context, cfg *Config) (Cluster, error) {
	sc, err := cfg.Sarama()
	if err != nil {
		return nil, err
	}

	var client sarama.Client
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	err = backoff.RetryNotify(func() error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			derr := dialError(err)
			if !errors.IsRetryable(derr) {
				return backoff.Permanent(derr)
			}
			return derr
		}
		client = c
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.Warn("kafka brokers unreachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		derr, ok := err.(*errors.Error)
		if !ok {
			derr = errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to Kafka")
		}
		return nil, derr.WithDetail("brokers", cfg.Brokers)
	}
	return &saramaCluster{client: client}, nil
}

// dialError types a client construction error. Configuration errors are
// permanent; anything else means the brokers could not be reached.
func dialError(err error) *errors.Error {
	if _, ok := err.(sarama.ConfigurationError); ok {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid Kafka client configuration")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to Kafka")
}

type saramaCluster struct {
	client sarama.Client
}

func (c *saramaCluster) Producer() (sarama.SyncProducer, error) {
	return sarama.NewSyncProducerFromClient(c.client)
}

func (c *saramaCluster) EnsureTopic(topic string, detail *sarama.TopicDetail) error {
	topics, err := c.client.Topics()
	if err != nil {
		return err
	}
	for _, t := range topics {
		if t == topic {
			return nil
		}
	}

	admin, err := sarama.NewClusterAdminFromClient(c.client)
	if err != nil {
		return err
	}
	// closing the admin would close the shared client
	if err := admin.CreateTopic(topic, detail, false); err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return err
	}
	return c.client.RefreshMetadata(topic)
}

func (c *saramaCluster) LastMessage(topic, key string) ([]byte, error) {
	if err := c.client.RefreshMetadata(topic); err != nil {
		if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return nil, nil
		}
		return nil, err
	}
	partitions, err := c.client.Partitions(topic)
	if err != nil {
		return nil, err
	}

	consumer, err := sarama.NewConsumerFromClient(c.client)
	if err != nil {
		return nil, err
	}
	defer consumer.Close()

	var last []byte
	for _, p := range partitions {
		newest, err := c.client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		oldest, err := c.client.GetOffset(topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, err
		}
		if newest <= oldest {
			continue
		}

		pc, err := consumer.ConsumePartition(topic, p, oldest)
		if err != nil {
			return nil, err
		}
		for msg := range pc.Messages() {
			if string(msg.Key) == key {
				last = msg.Value
			}
			if msg.Offset >= newest-1 {
				break
			}
		}
		if err := pc.Close(); err != nil {
			return nil, fmt.Errorf("close partition consumer: %w", err)
		}
	}
	return last, nil
}

func (c *saramaCluster) Close() error {
	return c.client.Close()
}
