// Package nats publishes records to a JetStream stream, one subject per
// schema, and keeps run state in a JetStream key-value bucket.
package nats

import (
	"cmp"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
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
const SinkType = "nats"

const (
	keySubject  = "subject"
	keyFirstSeq = "firstSequence"

	headerSchema = "Datapm-Schema"
	headerOffset = "Datapm-Offset"
)

// Config is decoded from the merged sink settings
type Config struct {
	Servers       []string      `mapstructure:"servers"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subjectPrefix"`
	StateBucket   string        `mapstructure:"stateBucket"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	BatchSize     int           `mapstructure:"batchSize"`
	BatchDelay    time.Duration `mapstructure:"batchDelay"`
	AckTimeout    time.Duration `mapstructure:"ackTimeout"`
}

// NATSSink implements sink.Sink
type NATSSink struct {
	logger *zap.Logger
}

func NewNATSSink() *NATSSink {
	return &NATSSink{logger: logger.With(zap.String("sink", SinkType))}
}

func (s *NATSSink) Type() string { return SinkType }

func (s *NATSSink) config(settings core.Settings) (*Config, error) {
	merged := settings.Merged()
	cfg := &Config{}
	if err := merged.Decode(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	cfg.SubjectPrefix = cmp.Or(cfg.SubjectPrefix, "datapm")
	cfg.Stream = cmp.Or(cfg.Stream, cfg.SubjectPrefix)
	cfg.StateBucket = cmp.Or(cfg.StateBucket, cfg.SubjectPrefix+"_state")
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	return cfg, nil
}

func (s *NATSSink) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

func (s *NATSSink) IsStronglyTyped(core.Settings) bool { return false }

func (s *NATSSink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream, sink.PerStreamSet},
	}
}

func options(cfg *Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("datapm"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

func (s *NATSSink) connect(cfg *Config) (*nats.Conn, nats.JetStreamContext, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for _, server := range cfg.Servers {
		if nc, err = nats.Connect(server, options(cfg)...); err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to NATS").
			WithDetail("servers", cfg.Servers)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(2*cfg.BatchSize))
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create JetStream context")
	}
	return nc, js, nil
}

func ensureStream(js nats.JetStreamContext, cfg *Config) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	})
	return err
}

// Subject names the subject of a schema
func Subject(cfg *Config, schemaSlug string) string {
	return cfg.SubjectPrefix + "." + schemaSlug
}

// Message builds the message published for a record. The message id lets
// JetStream drop duplicates of a retried publish.
func Message(subject, runID, schemaSlug string, rc models.RecordContext) (*nats.Msg, error) {
	data, err := json.Marshal(rc.Record)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record").WithDetail("offset", rc.Offset)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:%s:%s:%d", runID, rc.StreamSetSlug, rc.StreamSlug, rc.Offset))
	msg.Header.Set(headerSchema, schemaSlug)
	msg.Header.Set(headerOffset, strconv.FormatInt(rc.Offset, 10))
	return msg, nil
}

// awaitAcks waits until every future was acknowledged and returns the lowest
// stream sequence seen.
func awaitAcks(ctx context.Context, futures []nats.PubAckFuture, timeout time.Duration) (uint64, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var first uint64
	for _, f := range futures {
		select {
		case ack := <-f.Ok():
			if first == 0 || ack.Sequence < first {
				first = ack.Sequence
			}
		case err := <-f.Err():
			return 0, err
		case <-deadline.C:
			return 0, errors.New(errors.ErrorTypeTimeout, "timed out waiting for publish acknowledgements")
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return first, nil
}

func (s *NATSSink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	nc, js, err := s.connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ensure stream").WithDetail("stream", cfg.Stream)
	}

	subject := Subject(cfg, req.SchemaSlug)
	var firstSeq uint64
	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("subject", subject))
	flush := func(ctx context.Context, group []models.RecordContext) error {
		futures := make([]nats.PubAckFuture, 0, len(group))
		for _, rc := range group {
			msg, err := Message(subject, req.RunID, req.SchemaSlug, rc)
			if err != nil {
				return err
			}
			f, err := js.PublishMsgAsync(msg)
			if err != nil {
				return err
			}
			futures = append(futures, f)
		}
		seq, err := awaitAcks(ctx, futures, cfg.AckTimeout)
		if err != nil {
			return err
		}
		if firstSeq == 0 {
			firstSeq = seq
		}
		log.Debug("group acknowledged", zap.Int("messages", len(futures)))
		return nil
	}

	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(func(context.Context) error { return nc.Drain() }),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: fmt.Sprintf("nats://%s/%s", cfg.Stream, subject),
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{{keySubject: subject, keyFirstSeq: firstSeq}}
		},
	}, nil
}

// PurgeRequest removes the messages of subject published before this run.
// A zero first sequence means nothing was published and clears the subject.
func PurgeRequest(key sink.CommitKey) (*nats.StreamPurgeRequest, error) {
	subject, _ := key[keySubject].(string)
	if subject == "" {
		return nil, errors.Newf(errors.ErrorTypeInternal, "malformed commit key: %v", map[string]interface{}(key))
	}
	req := &nats.StreamPurgeRequest{Subject: subject}
	switch seq := key[keyFirstSeq].(type) {
	case uint64:
		req.Sequence = seq
	case float64:
		req.Sequence = uint64(seq)
	}
	return req, nil
}

// StateKey is the key-value key holding the state of a package version
func StateKey(k sink.StateKey) string {
	return fmt.Sprintf("%s.%s.v%d", k.CatalogSlug, k.PackageSlug, k.MajorVersion)
}

// CommitAfterWrites purges superseded messages when replacing, then puts the
// state into the bucket.
func (s *NATSSink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	nc, js, err := s.connect(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	if req.ReplaceExistingData {
		for _, key := range req.CommitKeys {
			purge, err := PurgeRequest(key)
			if err != nil {
				return err
			}
			if err := js.PurgeStream(cfg.Stream, purge, nats.Context(ctx)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to purge replaced messages").
					WithDetail("subject", purge.Subject)
			}
		}
	}

	if req.NewState == nil {
		return nil
	}
	data, err := sink.MarshalState(req.NewState)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
	}
	kv, err := js.KeyValue(cfg.StateBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cfg.StateBucket, History: 5})
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open state bucket")
	}
	rev, err := kv.Put(StateKey(req.StateKey), data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
	}
	s.logger.Info("commit completed",
		zap.String("package", req.StateKey.String()),
		zap.Int("subjects", len(req.CommitKeys)),
		zap.Uint64("state_revision", rev))
	return nil
}

// SinkState reads the state from the bucket; a missing bucket or key means
// no state
func (s *NATSSink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	nc, js, err := s.connect(cfg)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	kv, err := js.KeyValue(cfg.StateBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open state bucket")
	}
	entry, err := kv.Get(StateKey(req.StateKey))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	state, err := sink.UnmarshalState(entry.Value())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}
