package remote

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendMinio  = "minio"
	BackendS3     = "s3"
)

// Config selects and configures a remote backend.
type Config struct {
	Backend   string `mapstructure:"backend" toml:"backend" validate:"required,oneof=memory minio s3"`
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint" validate:"required_if=Backend minio"`
	Bucket    string `mapstructure:"bucket" toml:"bucket" validate:"required_unless=Backend memory"`
	Prefix    string `mapstructure:"prefix" toml:"prefix"`
	Region    string `mapstructure:"region" toml:"region"`
	AccessKey string `mapstructure:"access_key" toml:"access_key"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl"`
	PathStyle bool   `mapstructure:"path_style" toml:"path_style"`
}

// Store is the full surface every backend in this package implements.
type Store interface {
	FetchMetadata(ctx context.Context, id string) (*record.Metadata, error)
	Upload(ctx context.Context, rec *record.Record) error
	Download(ctx context.Context, id string) (*record.Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]record.Metadata, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*MinioStore)(nil)
	_ Store = (*S3Store)(nil)
)

// Open constructs the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendMinio:
		return NewMinio(cfg)
	case BackendS3:
		return NewS3(ctx, cfg)
	default:
		return nil, errs.New(errs.CodeInvalidInput, "remote open", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}
