package minio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var artifact = domain.ArtifactKey{ID: "Contoso.Lib", Version: "1.0.0-Beta"}

// newFakeS3 serves HEAD requests for the objects in present.
func newFakeS3(t *testing.T, present map[string]bool, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if r.Method == http.MethodHead && present[r.URL.Path] {
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.Header().Set("Content-Length", "0")
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Last-Modified", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestLocator(t *testing.T, srv *httptest.Server) *Locator {
	t.Helper()
	client, err := NewMinIOClient(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "artifacts",
	})
	require.NoError(t, err)
	return NewLocator(client, "artifacts", "", zaptest.NewLogger(t))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "contoso.lib/1.0.0-beta/contoso.lib.1.0.0-beta.nupkg", objectKey(DefaultKeyTemplate, artifact))
	assert.Equal(t, "packages/contoso.lib@1.0.0-beta", objectKey("packages/{id}@{version}", artifact))
}

func TestLocatorExists(t *testing.T) {
	srv := newFakeS3(t, map[string]bool{
		"/artifacts/contoso.lib/1.0.0-beta/contoso.lib.1.0.0-beta.nupkg": true,
	}, 0)
	locator := newTestLocator(t, srv)
	ctx := context.Background()

	ok, err := locator.Exists(ctx, artifact)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locator.Exists(ctx, domain.ArtifactKey{ID: "Contoso.Lib", Version: "2.0.0"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocatorAccessDeniedIsNotTransient(t *testing.T) {
	srv := newFakeS3(t, nil, http.StatusForbidden)
	locator := newTestLocator(t, srv)

	ok, err := locator.Exists(context.Background(), artifact)
	require.Error(t, err)
	assert.False(t, ok)
	assert.False(t, domain.IsTransient(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"server error", minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "ServiceUnavailable"}, true},
		{"throttled", minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, true},
		{"slow down", minio.ErrorResponse{StatusCode: http.StatusBadRequest, Code: "SlowDown"}, true},
		{"access denied", minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unreachable", errors.New("dial tcp 127.0.0.1:1: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, domain.IsTransient(classify(tt.err)))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Endpoint: "localhost:9000", Bucket: "artifacts"}.Validate())
	assert.Error(t, Config{Bucket: "artifacts"}.Validate())
	assert.Error(t, Config{Endpoint: "localhost:9000"}.Validate())
	assert.Error(t, Config{Endpoint: "localhost:9000", Bucket: "a", KeyTemplate: "{version}.nupkg"}.Validate())
}
