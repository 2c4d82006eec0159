package service

import "context"

// BlobStore keeps submission input payloads and output archives outside the submission record.
// Implemented by repository.BlobRepository and cloudinary.Store.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}

func submissionBlobKeys(inputKey string, archiveKey *string) []string {
	keys := make([]string, 0, 2)
	if inputKey != "" {
		keys = append(keys, inputKey)
	}
	if archiveKey != nil && *archiveKey != "" {
		keys = append(keys, *archiveKey)
	}
	return keys
}
