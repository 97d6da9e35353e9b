package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// S3Store keeps records in an S3 bucket through aws-sdk-go-v2.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 client from the default AWS configuration chain,
// overridden by any region, static credentials or endpoint in cfg.
func NewS3(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.CodeInvalidInput, "s3 connect", "bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, "s3 connect", fmt.Errorf("failed to load AWS config: %w", err))
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "http://"
			if cfg.UseSSL {
				scheme = "https://"
			}
			endpoint = scheme + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// FetchMetadata issues a HEAD for the record object. A missing object yields
// (nil, nil).
func (s *S3Store) FetchMetadata(ctx context.Context, id string) (*record.Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, translateS3("fetch metadata", id, err)
	}

	md, err := parseMetadata(id, aws.ToInt64(out.ContentLength), func(key string) string {
		// The SDK lower-cases user metadata keys.
		for k, v := range out.Metadata {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransferFailed, "fetch metadata", err)
	}
	return md, nil
}

// Upload writes the record object, replacing any existing one.
func (s *S3Store) Upload(ctx context.Context, rec *record.Record) error {
	data, err := encode(rec)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "upload", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(s.prefix, rec.ID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		Metadata:      metadataValues(rec),
	})
	if err != nil {
		return translateS3("upload", rec.ID, err)
	}
	return nil
}

// Download reads and decodes the record object.
func (s *S3Store) Download(ctx context.Context, id string) (*record.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &errs.Error{Code: errs.CodeNotFound, Op: "download", RecordID: id, Err: err}
		}
		return nil, translateS3("download", id, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, translateS3("download", id, err)
	}

	rec, err := decode(id, data)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransferFailed, "download", err)
	}
	return rec, nil
}

// Delete removes the record object. S3 returns success for absent keys.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, id)),
	})
	if err != nil && !isS3NotFound(err) {
		return translateS3("delete", id, err)
	}
	return nil
}

// List returns metadata for every record object under the prefix.
func (s *S3Store) List(ctx context.Context) ([]record.Metadata, error) {
	var out []record.Metadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateS3("list", "", err)
		}
		for _, obj := range page.Contents {
			id, ok := idFromKey(s.prefix, aws.ToString(obj.Key))
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
	}
	return out, nil
}

// Ping checks that the endpoint answers and the bucket is accessible.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return translateS3("ping", "", err)
	}
	return nil
}

// translateS3 extracts the HTTP status and API error code from an SDK error.
func translateS3(op, id string, err error) error {
	status, code := s3ErrorDetails(err)
	return classify(op, id, status, code, err)
}

func s3ErrorDetails(err error) (int, string) {
	var status int
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		status = withStatus.HTTPStatusCode()
	}
	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return status, code
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	status, code := s3ErrorDetails(err)
	if code == "NoSuchBucket" {
		return false
	}
	return status == http.StatusNotFound || code == "NoSuchKey" || code == "NotFound"
}
