package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// BlobRepository stores submission payloads in the database.
type BlobRepository struct {
	db *gorm.DB
}

// NewBlobRepository constructs a database-backed blob store.
func NewBlobRepository(db *gorm.DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// Put stores data and returns its key.
func (r *BlobRepository) Put(ctx context.Context, data []byte) (string, error) {
	blob := models.Blob{
		ID:   uuid.NewString(),
		Data: data,
		Size: int64(len(data)),
	}
	if err := r.db.WithContext(ctx).Create(&blob).Error; err != nil {
		return "", err
	}
	return blob.ID, nil
}

// Get loads the payload stored under key.
func (r *BlobRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var blob models.Blob
	if err := r.db.WithContext(ctx).First(&blob, "id = ?", key).Error; err != nil {
		return nil, err
	}
	return blob.Data, nil
}

// Delete removes the payloads, ignoring unknown keys.
func (r *BlobRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", keys).Delete(&models.Blob{}).Error
}
