// Package config loads process-level settings from the environment.
//
// Variables are read with a prefix, e.g. RTPART_MEMORY_LIMIT_BYTES. Load
// applies optional .env files first; variables already set win.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/rtpart/blobstore"
	"github.com/hupe1980/rtpart/blobstore/gocloud"
	"github.com/hupe1980/rtpart/blobstore/minio"
	s3store "github.com/hupe1980/rtpart/blobstore/s3"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/source"
	"github.com/hupe1980/rtpart/versionstore"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultPrefix is the environment prefix used by Load("").
const DefaultPrefix = "RTPART"

// Config holds process-wide settings shared by all partitions.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	MemoryLimitBytes     int64 `envconfig:"MEMORY_LIMIT_BYTES" default:"0"`
	MaxConcurrentFetches int64 `envconfig:"MAX_CONCURRENT_FETCHES" default:"4"`
	IOLimitBytesPerSec   int64 `envconfig:"IO_LIMIT_BYTES_PER_SEC" default:"0"`
	MinFreeBytes         int64 `envconfig:"MIN_FREE_BYTES" default:"0"`

	UnloadTimeout time.Duration `envconfig:"UNLOAD_TIMEOUT" default:"10s"`

	// BlobURL selects the deploy source: a local directory, s3://bucket/prefix,
	// minio://host/bucket/prefix or any gocloud bucket URL (file://, mem://).
	BlobURL        string `envconfig:"BLOB_URL"`
	S3Region       string `envconfig:"S3_REGION"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioSecure    bool   `envconfig:"MINIO_SECURE" default:"true"`

	// VersionTable selects the DynamoDB version store; otherwise VersionDir is used.
	VersionTable string `envconfig:"VERSION_TABLE"`
	VersionDir   string `envconfig:"VERSION_DIR"`

	NatsURL       string        `envconfig:"NATS_URL"`
	NatsStream    string        `envconfig:"NATS_STREAM"`
	NatsSubjects  []string      `envconfig:"NATS_SUBJECTS"`
	NatsFetchWait time.Duration `envconfig:"NATS_FETCH_WAIT" default:"200ms"`
}

// Load reads .env files (missing ones are skipped) and then the environment.
// An empty prefix uses DefaultPrefix.
func Load(prefix string, envFiles ...string) (*Config, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Handler returns the slog handler selected by LogFormat and LogLevel.
func (c *Config) Handler() slog.Handler {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// Resource returns the resource limits.
func (c *Config) Resource() resource.Config {
	return resource.Config{
		MemoryLimitBytes:     c.MemoryLimitBytes,
		MaxConcurrentFetches: c.MaxConcurrentFetches,
		IOLimitBytesPerSec:   c.IOLimitBytesPerSec,
	}
}

// OpenBlobStore opens the store BlobURL points to.
func (c *Config) OpenBlobStore(ctx context.Context) (blobstore.Store, error) {
	if c.BlobURL == "" {
		return nil, errors.New("blob url not configured")
	}
	u, err := url.Parse(c.BlobURL)
	if err != nil || u.Scheme == "" {
		return blobstore.NewLocalStore(c.BlobURL), nil
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
		var opts []s3store.Option
		if prefix != "" {
			opts = append(opts, s3store.WithPrefix(prefix))
		}
		if c.S3Region != "" {
			opts = append(opts, s3store.WithRegion(c.S3Region))
		}
		if c.S3Endpoint != "" {
			opts = append(opts, s3store.WithEndpoint(c.S3Endpoint))
		}
		return s3store.New(ctx, u.Host, opts...)
	case "minio":
		bucket, rest, _ := strings.Cut(prefix, "/")
		if bucket == "" {
			return nil, fmt.Errorf("minio url %q: missing bucket", c.BlobURL)
		}
		return minio.Dial(u.Host, c.MinioAccessKey, c.MinioSecretKey, c.MinioSecure, bucket, rest)
	default:
		return gocloud.Open(ctx, c.BlobURL, "")
	}
}

// OpenVersionStore opens the DynamoDB store if VersionTable is set, the file
// store in VersionDir otherwise. It returns nil if neither is configured.
func (c *Config) OpenVersionStore(ctx context.Context) (versionstore.Store, error) {
	switch {
	case c.VersionTable != "":
		return versionstore.OpenDynamoStore(ctx, c.VersionTable)
	case c.VersionDir != "":
		return versionstore.NewFileStore(c.VersionDir, nil), nil
	default:
		return nil, nil //nolint:nilnil // no version store configured
	}
}

// SourceFactory returns a JetStream source factory, or nil if NATS is not configured.
func (c *Config) SourceFactory(logger *slog.Logger) source.Factory {
	if c.NatsURL == "" || c.NatsStream == "" {
		return nil
	}
	return source.JetStreamFactory(c.NatsURL, source.JetStreamConfig{
		Stream:    c.NatsStream,
		Subjects:  c.NatsSubjects,
		FetchWait: c.NatsFetchWait,
		Logger:    logger,
	})
}
