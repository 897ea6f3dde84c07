package storage

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore moves whole objects between the store and a local path.
// Store overwrites whatever already lives at key.
type ObjectStore interface {
	Fetch(ctx context.Context, key, localPath string) error
	Store(ctx context.Context, localPath, key string) error
}
