package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/bft-labs/scanship/internal/ports"
)

const documentsEndpoint = "/v1/ingest/documents"

// Header names sent with every upload.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderChecksum       = "X-Content-Checksum"
	HeaderHostname       = "X-Agent-Hostname"
	HeaderOSArch         = "X-Agent-OSArch"
	HeaderDeviceID       = "X-Scanship-Device-Id"
)

// manifest is the JSON form field describing the attached document.
type manifest struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// DocumentUploader implements ports.Uploader using HTTP.
type DocumentUploader struct {
	client   ports.HTTPClient
	metadata ports.UploadMetadata
	logger   ports.Logger
}

// NewDocumentUploader creates a new HTTP document uploader.
func NewDocumentUploader(client ports.HTTPClient, metadata ports.UploadMetadata, logger ports.Logger) *DocumentUploader {
	return &DocumentUploader{
		client:   client,
		metadata: metadata,
		logger:   logger,
	}
}

// Upload transmits one document to the ingestion service.
// A 409 means the service already holds this idempotency key and counts as delivered.
func (u *DocumentUploader) Upload(ctx context.Context, req ports.UploadRequest) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	manifestJSON, err := json.Marshal(manifest{ID: req.Key, Checksum: req.Checksum, Size: req.Size})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	manifestPart, err := writer.CreateFormField("manifest")
	if err != nil {
		return fmt.Errorf("create manifest field: %w", err)
	}
	if _, err := manifestPart.Write(manifestJSON); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	docPart, err := writer.CreateFormFile("document", req.Key+".bin")
	if err != nil {
		return fmt.Errorf("create document field: %w", err)
	}
	if _, err := io.Copy(docPart, req.Body); err != nil {
		return fmt.Errorf("write document data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize multipart: %w", err)
	}

	url := u.metadata.ServiceURL + documentsEndpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if u.metadata.AuthKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.metadata.AuthKey)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set(HeaderIdempotencyKey, req.Key)
	httpReq.Header.Set(HeaderChecksum, req.Checksum)
	httpReq.Header.Set(HeaderHostname, u.metadata.Hostname)
	httpReq.Header.Set(HeaderOSArch, u.metadata.OSArch)
	httpReq.Header.Set(HeaderDeviceID, u.metadata.DeviceID)

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		u.logger.Debug("document already ingested", ports.String("record_id", req.Key))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

var _ ports.Uploader = (*DocumentUploader)(nil)
