package interfaces

import "context"

// ArtifactStore is the object-store boundary for stage artifacts: put/get by
// key returning a URL. Artifacts are written exactly once per passing attempt
// and never mutated after write.
type ArtifactStore interface {
	// Put stores data under key and returns the public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get fetches artifact bytes by key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetByURL fetches artifact bytes by the URL Put returned.
	GetByURL(ctx context.Context, url string) ([]byte, error)
	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an artifact. Used by the TTL sweep only.
	Delete(ctx context.Context, key string) error
}
