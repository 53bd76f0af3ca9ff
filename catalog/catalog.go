package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/models"
)

// Client pushes final resource metadata to the downstream catalog API. The
// push is idempotent by resource id on the catalog side, so retries after a
// pipeline replay are safe.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewClient(baseURL string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type resourcePayload struct {
	ID           string `json:"id"`
	DocumentType string `json:"document_type"`
	Type         string `json:"type"`
	Directory    string `json:"directory"`
	Extension    string `json:"extension"`
	Size         int64  `json:"size"`
	Title        string `json:"title"`
	PreviewImage string `json:"preview_image,omitempty"`
	Document     string `json:"document,omitempty"`
	LinkURL      string `json:"link_url,omitempty"`
	ContentType  string `json:"content_type"`
	DocumentSize int64  `json:"document_size"`
}

// Push sends the resource's final metadata. Streaming-ready videos are
// published by playlist URL instead of a document key.
func (c *Client) Push(ctx context.Context, res *models.Resource) error {
	if c.baseURL == "" {
		c.log.Debugw("catalog push skipped, no base url", "resource_id", res.ID)
		return nil
	}

	payload := resourcePayload{
		ID:           res.ID,
		DocumentType: documentType(res.ContentType),
		Type:         res.ContentType,
		Directory:    res.Directory,
		Extension:    extension(res.Name),
		Size:         res.Size,
		Title:        res.Name,
		PreviewImage: res.PreviewImage,
		Document:     res.StorageKey(),
		ContentType:  res.ContentType,
		DocumentSize: res.Size,
	}
	if res.IsVideo() && res.StreamingReady() && res.HLSURL != "" {
		payload.LinkURL = res.HLSURL
		payload.Document = ""
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog payload: %w", err)
	}

	url := c.baseURL + "/api/v2/resource/save_chunk_resource/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", res.Company)
	req.Header.Set("Department-Id", res.Department)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("catalog push rejected: status %d", resp.StatusCode)
	}

	c.log.Infow("catalog updated", "resource_id", res.ID)
	return nil
}

func documentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	}
	return "document"
}

func extension(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return ""
}
