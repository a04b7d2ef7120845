// Package gcs delivers documents straight into a Google Cloud Storage bucket.
// Objects are created with a does-not-exist precondition, so a retried
// upload of an already delivered record is a no-op.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/bft-labs/scanship/internal/ports"
)

// writerFunc opens a writer for a new object.
type writerFunc func(ctx context.Context, name string, meta map[string]string) io.WriteCloser

// Uploader implements ports.Uploader against a GCS bucket.
type Uploader struct {
	client    *storage.Client
	prefix    string
	deviceID  string
	newWriter writerFunc
	logger    ports.Logger
}

// New connects to GCS with application default credentials.
func New(ctx context.Context, bucket, prefix, deviceID string, logger ports.Logger) (*Uploader, error) {
	if bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	handle := client.Bucket(bucket)
	return &Uploader{
		client:   client,
		prefix:   prefix,
		deviceID: deviceID,
		logger:   logger,
		newWriter: func(ctx context.Context, name string, meta map[string]string) io.WriteCloser {
			w := handle.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
			w.ContentType = "application/octet-stream"
			w.Metadata = meta
			return w
		},
	}, nil
}

// ObjectName returns where the document for key is stored.
func (u *Uploader) ObjectName(key string) string {
	if u.prefix == "" {
		return key
	}
	return path.Join(u.prefix, key)
}

// Upload writes the document as a new object. An existing object with the
// same name means an earlier attempt already delivered it.
func (u *Uploader) Upload(ctx context.Context, req ports.UploadRequest) error {
	name := u.ObjectName(req.Key)
	writer := u.newWriter(ctx, name, map[string]string{
		"checksum":  req.Checksum,
		"device_id": u.deviceID,
	})

	if _, err := io.Copy(writer, req.Body); err != nil {
		_ = writer.Close()
		if alreadyExists(err) {
			u.logger.Debug("object already exists", ports.String("object", name))
			return nil
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}

	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			u.logger.Debug("object already exists", ports.String("object", name))
			return nil
		}
		return fmt.Errorf("finalize object %s: %w", name, err)
	}
	return nil
}

// Close releases the storage client.
func (u *Uploader) Close() error {
	if u.client == nil {
		return nil
	}
	return u.client.Close()
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

var _ ports.Uploader = (*Uploader)(nil)
