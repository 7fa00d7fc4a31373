package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// DefaultKeyTemplate is the package layout used when none is configured.
const DefaultKeyTemplate = "{id}/{version}/{id}.{version}.nupkg"

// Locator implements ports.ArtifactLocator with StatObject lookups.
type Locator struct {
	client   *minio.Client
	bucket   string
	template string
	logger   *zap.Logger
}

// NewLocator creates a locator for artifacts stored in bucket
func NewLocator(client *minio.Client, bucket, template string, logger *zap.Logger) *Locator {
	if template == "" {
		template = DefaultKeyTemplate
	}
	return &Locator{
		client:   client,
		bucket:   bucket,
		template: template,
		logger:   logger,
	}
}

// ObjectKey returns the object key of the artifact
func (l *Locator) ObjectKey(key domain.ArtifactKey) string {
	return objectKey(l.template, key)
}

// Exists reports whether the artifact object is visible
func (l *Locator) Exists(ctx context.Context, key domain.ArtifactKey) (bool, error) {
	objectKey := l.ObjectKey(key)

	_, err := l.client.StatObject(ctx, l.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		l.logger.Debug("Artifact not visible",
			zap.String("bucket", l.bucket),
			zap.String("object_key", objectKey))
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", l.bucket, objectKey, classify(err))
}

func objectKey(template string, key domain.ArtifactKey) string {
	r := strings.NewReplacer(
		"{id}", strings.ToLower(key.ID),
		"{version}", strings.ToLower(key.Version),
	)
	return r.Replace(template)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket")
}

// classify marks throttling, server faults and network errors as transient
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(err)
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return domain.Transient(err)
	case resp.Code == "SlowDown", resp.Code == "RequestTimeout":
		return domain.Transient(err)
	case resp.StatusCode == 0 && resp.Code == "":
		// No response at all: the endpoint was unreachable.
		return domain.Transient(err)
	}
	return err
}
