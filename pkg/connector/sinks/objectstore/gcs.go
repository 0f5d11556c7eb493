package objectstore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// GCSConfig is decoded from the merged sink settings
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentialsFile"`
}

// GCSStore stores objects in one Cloud Storage bucket
type GCSStore struct {
	bucket string
	client *storage.Client
	handle *storage.BucketHandle
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	handle := client.Bucket(cfg.Bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to access bucket").
			WithDetail("bucket", cfg.Bucket)
	}
	return &GCSStore{bucket: cfg.Bucket, client: client, handle: handle}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.handle.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}

func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	_, err := s.handle.Object(dst).CopierFrom(s.handle.Object(src)).Run(ctx)
	return err
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.handle.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSStore) Location(key string) string {
	return "gs://" + s.bucket + "/" + key
}

func (s *GCSStore) Close() error { return s.client.Close() }
