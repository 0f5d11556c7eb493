// Package mongodb writes each schema into a per-run staging collection and
// promotes it into the target collection on commit.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// SinkType is the registry identifier of this sink
const SinkType = "mongodb"

const (
	keyCollection = "collection"
	keyStaging    = "staging"

	defaultStateCollection = "_datapm_state"
)

// Config is decoded from the merged sink settings
type Config struct {
	URI              string        `mapstructure:"uri"`
	Database         string        `mapstructure:"database"`
	CollectionPrefix string        `mapstructure:"collectionPrefix"`
	StateCollection  string        `mapstructure:"stateCollection"`
	BatchSize        int           `mapstructure:"batchSize"`
	BatchDelay       time.Duration `mapstructure:"batchDelay"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout"`
}

// MongoDBSink implements sink.Sink
type MongoDBSink struct {
	logger *zap.Logger
}

func NewMongoDBSink() *MongoDBSink {
	return &MongoDBSink{logger: logger.With(zap.String("sink", SinkType))}
}

func (s *MongoDBSink) Type() string { return SinkType }

func (s *MongoDBSink) config(settings core.Settings) (*Config, error) {
	merged := settings.Merged()
	if err := merged.Require("uri", "database"); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := merged.Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.StateCollection == "" {
		cfg.StateCollection = defaultStateCollection
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return cfg, nil
}

func (s *MongoDBSink) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

// IsStronglyTyped is false: a document property may hold any type
func (s *MongoDBSink) IsStronglyTyped(core.Settings) bool { return false }

func (s *MongoDBSink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream},
	}
}

func (s *MongoDBSink) connect(ctx context.Context, cfg *Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping MongoDB")
	}
	return client, nil
}

// Document converts a record into the document stored for it
func Document(rc models.RecordContext) bson.M {
	doc := make(bson.M, len(rc.Record))
	for k, v := range rc.Record {
		if k == "_id" {
			continue
		}
		doc[k] = v
	}
	return doc
}

// Writable drops any leftover staging collection and returns a writer
// inserting each group into a fresh one.
func (s *MongoDBSink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	client, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	collection := tabular.Identifier(cfg.CollectionPrefix + req.SchemaSlug)
	staging := tabular.StagingTable(collection, req.RunID)
	stagingColl := client.Database(cfg.Database).Collection(staging)
	if err := stagingColl.Drop(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to reset staging collection").
			WithDetail("collection", staging)
	}

	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("collection", collection))
	flush := func(ctx context.Context, group []models.RecordContext) error {
		docs := make([]interface{}, len(group))
		for i, rc := range group {
			docs[i] = Document(rc)
		}
		res, err := stagingColl.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
		if err != nil {
			return err
		}
		log.Debug("inserted staged documents", zap.Int("documents", len(res.InsertedIDs)))
		return nil
	}

	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(func(ctx context.Context) error { return client.Disconnect(ctx) }),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: fmt.Sprintf("mongodb://%s/%s", cfg.Database, collection),
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{{keyCollection: collection, keyStaging: staging}}
		},
	}, nil
}

// RenameCommand replaces target with staging in a single server operation
func RenameCommand(database, staging, target string) bson.D {
	return bson.D{
		{Key: "renameCollection", Value: database + "." + staging},
		{Key: "to", Value: database + "." + target},
		{Key: "dropTarget", Value: true},
	}
}

// MergePipeline appends every staged document to target
func MergePipeline(target string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$merge", Value: bson.D{
			{Key: "into", Value: target},
			{Key: "whenMatched", Value: "keepExisting"},
			{Key: "whenNotMatched", Value: "insert"},
		}}},
	}
}

// CommitAfterWrites renames staging collections over their targets when
// replacing and merges them otherwise, then upserts the state document.
func (s *MongoDBSink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	client, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	db := client.Database(cfg.Database)
	for _, key := range req.CommitKeys {
		collection, _ := key[keyCollection].(string)
		staging, _ := key[keyStaging].(string)
		if collection == "" || staging == "" {
			return errors.Newf(errors.ErrorTypeInternal, "malformed commit key: %v", map[string]interface{}(key))
		}

		if req.ReplaceExistingData {
			err = client.Database("admin").RunCommand(ctx, RenameCommand(cfg.Database, staging, collection)).Err()
			if isNamespaceNotFound(err) {
				// nothing was staged for this collection; an empty replace clears it
				err = db.Collection(collection).Drop(ctx)
			}
		} else {
			var cur *mongo.Cursor
			cur, err = db.Collection(staging).Aggregate(ctx, MergePipeline(collection))
			if err == nil {
				err = cur.Close(ctx)
			}
			if err == nil {
				if dropErr := db.Collection(staging).Drop(ctx); dropErr != nil {
					s.logger.Warn("failed to drop staging collection", zap.String("collection", staging), zap.Error(dropErr))
				}
			}
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to promote staging collection").
				WithDetail("collection", collection)
		}
	}

	if req.NewState != nil {
		data, err := sink.MarshalState(req.NewState)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
		}
		_, err = db.Collection(cfg.StateCollection).ReplaceOne(ctx,
			bson.M{"_id": req.StateKey.String()},
			stateDocument(req.StateKey, string(data)),
			options.Replace().SetUpsert(true))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
		}
	}
	s.logger.Info("commit completed", zap.String("package", req.StateKey.String()), zap.Int("collections", len(req.CommitKeys)))
	return nil
}

func stateDocument(k sink.StateKey, state string) bson.M {
	return bson.M{
		"_id":          k.String(),
		"catalogSlug":  k.CatalogSlug,
		"packageSlug":  k.PackageSlug,
		"majorVersion": k.MajorVersion,
		"state":        state,
		"updatedAt":    time.Now().UTC(),
	}
}

func isNamespaceNotFound(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 26
}

// SinkState reads the state document; none means no state
func (s *MongoDBSink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	client, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(context.Background())

	var doc struct {
		State string `bson:"state"`
	}
	err = client.Database(cfg.Database).Collection(cfg.StateCollection).
		FindOne(ctx, bson.M{"_id": req.StateKey.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	state, err := sink.UnmarshalState([]byte(doc.State))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}
