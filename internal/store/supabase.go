package store

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SupabaseFrameArchive uploads sampled frames to a Supabase Storage bucket.
// Writes are best effort; the caller treats failures as non-fatal.
type SupabaseFrameArchive struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	Client     *http.Client
}

func NewSupabaseFrameArchive(baseURL, serviceKey, bucket string) *SupabaseFrameArchive {
	return &SupabaseFrameArchive{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		Bucket:     bucket,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// StoreFrame uploads one frame under sessions/<id>/frames/<ts>.<ext>.
func (s *SupabaseFrameArchive) StoreFrame(ctx context.Context, sessionID string, capturedAt time.Time, mimeType string, data []byte) error {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return fmt.Errorf("store: missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}

	objectKey := fmt.Sprintf("sessions/%s/frames/%d%s", sessionID, capturedAt.UnixMilli(), extensionFor(mimeType))
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.BaseURL, s.Bucket, objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store: create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Cache-Control", "3600")
	req.Header.Set("x-upsert", "true")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("store: upload to Supabase: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("store: frame upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
