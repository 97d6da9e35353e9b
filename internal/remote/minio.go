package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// MinioStore keeps records in a MinIO (or any S3-compatible) bucket through
// minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects to a MinIO endpoint. The bucket must already exist.
func NewMinio(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errs.New(errs.CodeInvalidInput, "minio connect", "endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errs.New(errs.CodeInvalidInput, "minio connect", "bucket is required")
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, "minio connect", fmt.Errorf("failed to create minio client: %w", err))
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// FetchMetadata stats the record object. A missing object yields (nil, nil).
func (s *MinioStore) FetchMetadata(ctx context.Context, id string) (*record.Metadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, objectKey(s.prefix, id), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil
		}
		return nil, s.translate("fetch metadata", id, err)
	}

	md, err := parseMetadata(id, info.Size, func(key string) string {
		return info.Metadata.Get("X-Amz-Meta-" + key)
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransferFailed, "fetch metadata", err)
	}
	return md, nil
}

// Upload writes the record object, replacing any existing one.
func (s *MinioStore) Upload(ctx context.Context, rec *record.Record) error {
	data, err := encode(rec)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "upload", err)
	}

	_, err = s.client.PutObject(
		ctx,
		s.bucket,
		objectKey(s.prefix, rec.ID),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: metadataValues(rec),
		},
	)
	if err != nil {
		return s.translate("upload", rec.ID, err)
	}
	return nil
}

// Download reads and decodes the record object.
func (s *MinioStore) Download(ctx context.Context, id string) (*record.Record, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(s.prefix, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate("download", id, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	// GetObject is lazy; errors such as NoSuchKey surface on first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, &errs.Error{Code: errs.CodeNotFound, Op: "download", RecordID: id, Err: err}
		}
		return nil, s.translate("download", id, err)
	}

	rec, err := decode(id, data)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransferFailed, "download", err)
	}
	return rec, nil
}

// Delete removes the record object. S3 semantics make this idempotent.
func (s *MinioStore) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(s.prefix, id), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return s.translate("delete", id, err)
	}
	return nil
}

// List returns metadata for every record object under the prefix.
func (s *MinioStore) List(ctx context.Context) ([]record.Metadata, error) {
	// Cancelling stops the listing goroutine when we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []record.Metadata
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, s.translate("list", "", obj.Err)
		}
		id, ok := idFromKey(s.prefix, obj.Key)
		if !ok {
			continue
		}
		md, err := s.FetchMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		if md != nil {
			out = append(out, *md)
		}
	}
	return out, nil
}

// Ping checks that the endpoint answers and the bucket exists.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.translate("ping", "", err)
	}
	if !ok {
		return errs.New(errs.CodeNotFound, "ping", fmt.Sprintf("bucket %s does not exist", s.bucket))
	}
	return nil
}

func (s *MinioStore) translate(op, id string, err error) error {
	resp := minio.ToErrorResponse(err)
	return classify(op, id, resp.StatusCode, resp.Code, err)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return true
	case "NoSuchBucket":
		return false
	}
	return resp.StatusCode == http.StatusNotFound
}
