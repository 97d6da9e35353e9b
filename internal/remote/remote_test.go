package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

func newRecord(id string) *record.Record {
	rec := &record.Record{
		ID:           id,
		Title:        "Standup " + id,
		StartedAt:    time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC),
		Duration:     15 * time.Minute,
		Participants: []string{"ana"},
		Payload:      []byte("audio"),
	}
	rec.Touch()
	return rec
}

func TestMemory_UploadFetchDownload(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := newRecord("rec-1")
	rec.IsSynced = true

	md, err := m.FetchMetadata(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, md, "absent record has no metadata")

	require.NoError(t, m.Upload(ctx, rec))

	md, err = m.FetchMetadata(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.True(t, md.LastModified.Equal(rec.LastModified))
	assert.Equal(t, rec.ContentHash(), md.ContentHash)

	got, err := m.Download(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.False(t, got.IsSynced, "sync bookkeeping is not stored remotely")

	stats := m.Stats()
	assert.Equal(t, 1, stats.Uploads)
	assert.Equal(t, 1, stats.Downloads)
	assert.Equal(t, 2, stats.Fetches)
}

func TestMemory_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Upload(ctx, newRecord("rec-1")))

	require.NoError(t, m.Delete(ctx, "rec-1"))
	require.NoError(t, m.Delete(ctx, "rec-1"))
	assert.Equal(t, 0, m.Len())

	_, err := m.Download(ctx, "rec-1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMemory_Unavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetAvailable(false)

	_, err := m.FetchMetadata(ctx, "rec-1")
	assert.True(t, errors.Is(err, errs.ErrRemoteUnavailable))
	assert.True(t, errors.Is(m.Ping(ctx), errs.ErrRemoteUnavailable))

	m.SetAvailable(true)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailNext(OpUpload, &errs.Error{Code: errs.CodeTransferFailed, Op: "upload"})

	err := m.Upload(ctx, newRecord("rec-1"))
	assert.True(t, errors.Is(err, errs.ErrTransferFailed))

	require.NoError(t, m.Upload(ctx, newRecord("rec-1")), "failure is consumed")
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(newRecord("b"))
	m.Put(newRecord("a"))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "recordings/rec-1.json", objectKey("recordings/", "rec-1"))

	id, ok := idFromKey("recordings/", "recordings/rec-1.json")
	assert.True(t, ok)
	assert.Equal(t, "rec-1", id)

	_, ok = idFromKey("recordings/", "other/rec-1.json")
	assert.False(t, ok)
	_, ok = idFromKey("recordings/", "recordings/nested/rec-1.json")
	assert.False(t, ok)
}

func TestMetadataRoundTrip(t *testing.T) {
	rec := newRecord("rec-1")
	values := metadataValues(rec)

	md, err := parseMetadata("rec-1", 42, func(key string) string { return values[key] })
	require.NoError(t, err)
	assert.True(t, md.LastModified.Equal(rec.LastModified), "nanosecond timestamp survives")
	assert.Equal(t, rec.ContentHash(), md.ContentHash)
	assert.Equal(t, int64(42), md.Size)

	_, err = parseMetadata("rec-1", 0, func(string) string { return "" })
	assert.Error(t, err)
	_, err = parseMetadata("rec-1", 0, func(string) string { return "yesterday" })
	assert.Error(t, err)
}

func TestDecodeRejectsMismatchedID(t *testing.T) {
	data, err := encode(newRecord("rec-1"))
	require.NoError(t, err)

	_, err = decode("rec-2", data)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name   string
		status int
		code   string
		err    error
		want   errs.Code
	}{
		{"forbidden status", http.StatusForbidden, "", errors.New("forbidden"), errs.CodeAuthenticationFailed},
		{"unauthorized status", http.StatusUnauthorized, "", errors.New("unauthorized"), errs.CodeAuthenticationFailed},
		{"access denied code", 0, "InvalidAccessKeyId", errors.New("bad key"), errs.CodeAuthenticationFailed},
		{"connection refused", 0, "", dialErr, errs.CodeRemoteUnavailable},
		{"dns failure", 0, "", &net.DNSError{Err: "no such host", Name: "minio.local"}, errs.CodeRemoteUnavailable},
		{"server error", http.StatusInternalServerError, "InternalError", errors.New("boom"), errs.CodeTransferFailed},
		{"throttled", http.StatusServiceUnavailable, "SlowDown", errors.New("slow down"), errs.CodeTransferFailed},
		{"timeout", 0, "", fmt.Errorf("request: %w", context.DeadlineExceeded), errs.CodeTransferFailed},
		{"unknown", 0, "", errors.New("mystery"), errs.CodeTransferFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("upload", "rec-1", tt.status, tt.code, tt.err)
			assert.Equal(t, tt.want, errs.CodeOf(err))
			assert.ErrorIs(t, err, tt.err, "cause is preserved")
		})
	}

	assert.NoError(t, classify("upload", "rec-1", 0, "", nil))
}

func TestMinioErrorTranslation(t *testing.T) {
	s := &MinioStore{}

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	assert.Equal(t, errs.CodeAuthenticationFailed, errs.CodeOf(s.translate("upload", "rec-1", denied)))

	assert.True(t, isMinioNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}))
	assert.False(t, isMinioNotFound(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}))
	assert.False(t, isMinioNotFound(denied))
}

func TestS3ErrorTranslation(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	assert.Equal(t, errs.CodeAuthenticationFailed, errs.CodeOf(translateS3("upload", "rec-1", denied)))

	assert.True(t, isS3NotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isS3NotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))

	slow := &smithy.GenericAPIError{Code: "SlowDown"}
	assert.Equal(t, errs.CodeTransferFailed, errs.CodeOf(translateS3("upload", "rec-1", slow)))
}

func TestOpen(t *testing.T) {
	store, err := Open(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	_, err = Open(context.Background(), Config{Backend: "ftp"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = Open(context.Background(), Config{Backend: BackendMinio, Bucket: "recs"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "minio requires an endpoint")
}

// listingServer lists three record objects but refuses to stat any of them.
func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusForbidden)
		case r.URL.Query().Get("list-type") == "2":
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>meetings</Name><Prefix>recordings/</Prefix><KeyCount>3</KeyCount><MaxKeys>1000</MaxKeys>
<IsTruncated>false</IsTruncated>
<Contents><Key>recordings/rec-1.json</Key><Size>10</Size></Contents>
<Contents><Key>recordings/rec-2.json</Key><Size>10</Size></Contents>
<Contents><Key>recordings/rec-3.json</Key><Size>10</Size></Contents>
</ListBucketResult>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func listingGoroutines() int {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	return strings.Count(string(buf), "(*Client).listObjects")
}

func TestMinioList_StopsListingOnError(t *testing.T) {
	srv := listingServer(t)
	store, err := NewMinio(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "meetings",
		Prefix:    "recordings/",
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	})
	require.NoError(t, err)

	_, err = store.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuthenticationFailed))

	assert.Eventually(t, func() bool { return listingGoroutines() == 0 },
		2*time.Second, 10*time.Millisecond, "listing goroutine exits")
}
