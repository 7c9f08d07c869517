// Package blob stores job inputs and results as keyed objects
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key
var ErrNotFound = errors.New("object not found")

// Object is a stored blob with its content type
type Object struct {
	Data        []byte
	ContentType string
}

// Store reads and writes whole objects. Put overwrites unconditionally,
// so writing the same key twice is safe.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Presigner is implemented by stores that can hand out time-limited download URLs
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ObjectInfo is the metadata of a stored object
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Statter is implemented by stores that can look up an object without
// transferring its data
type Statter interface {
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// Exists reports whether an object is stored under key. It uses Stat when
// the store has it and falls back to a full Get otherwise.
func Exists(ctx context.Context, store Store, key string) (bool, error) {
	var err error
	if st, ok := store.(Statter); ok {
		_, err = st.Stat(ctx, key)
	} else {
		_, err = store.Get(ctx, key)
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
