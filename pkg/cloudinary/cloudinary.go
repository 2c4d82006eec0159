package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const resourceTypeRaw = "raw"

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Store keeps submission payloads as raw Cloudinary assets. Keys are asset public ids.
type Store struct {
	client     *cloudinary.Cloudinary
	cloudName  string
	folder     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New constructs a Cloudinary backed blob store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Store{
		client:     cld,
		cloudName:  cfg.CloudName,
		folder:     strings.Trim(cfg.Folder, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Put uploads data and returns its key.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	params := uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     uuid.NewString(),
		ResourceType: resourceTypeRaw,
	}

	result, err := s.client.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload blob: %s", result.Error.Message)
	}

	s.logger.Debug().Str("public_id", result.PublicID).Int("bytes", len(data)).Msg("blob uploaded to cloudinary")
	return result.PublicID, nil
}

// Get downloads the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.deliveryURL(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download blob %s: status %d", key, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes the given blobs. Missing blobs are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := s.client.Upload.Destroy(ctx, uploader.DestroyParams{
			PublicID:     key,
			ResourceType: resourceTypeRaw,
		}); err != nil {
			return fmt.Errorf("failed to delete blob %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) deliveryURL(publicID string) string {
	return fmt.Sprintf("https://res.cloudinary.com/%s/%s/upload/%s", s.cloudName, resourceTypeRaw, publicID)
}
