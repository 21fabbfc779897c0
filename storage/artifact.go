package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no object exists under the ref.
var ErrNotFound = errors.New("object not found")

// Store keeps binary artifacts (source images, finished models) under
// owner-scoped keys. Delete is idempotent: removing a missing object is fine.
type Store interface {
	Put(ctx context.Context, ref string, data []byte, contentType string) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error

	// URL resolves a ref to a publicly readable URL.
	URL(ref string) string
}

// ImageKey is where a job's source image lives. Keys embed the owning account
// id so no two accounts can ever collide on a key.
func ImageKey(accountID, jobID uint) string {
	return fmt.Sprintf("images/%d/%d", accountID, jobID)
}

// ModelKey is where a job's finished GLB model lives.
func ModelKey(accountID, jobID uint) string {
	return fmt.Sprintf("models/%d/%d.glb", accountID, jobID)
}
