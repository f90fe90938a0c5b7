package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const DefaultMaxObjectBytes int64 = 50 * 1024 * 1024

var (
	ErrTooLarge      = errors.New("cache entry exceeds max object bytes")
	ErrStoreNotFound = errors.New("cache store not found")
	ErrCorrupt       = errors.New("cache entry corrupt")
	ErrInvalidName   = errors.New("cache store name is required")
)

// Entry is a stored response. Entries are immutable once stored; a later Put
// under the same key replaces the entry as a whole.
type Entry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	e.Header = e.Header.Clone()
	if e.Body != nil {
		e.Body = append([]byte(nil), e.Body...)
	}
	return e
}

// Record pairs an entry with its request identity for bulk inserts.
type Record struct {
	Key   string
	Entry Entry
}

// Store is one named, versioned cache.
type Store interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	// PutAll stores every record or none of them.
	PutAll(ctx context.Context, records []Record) error
	Keys(ctx context.Context) ([]string, error)
	// Len reports the number of entries. A deleted store reports
	// ErrStoreNotFound.
	Len(ctx context.Context) (int, error)
}

// Storage is the set of named stores. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Open returns the named store, creating it when missing.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists store names in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Count reports the number of entries in the named store without
	// creating it. A missing store reports ErrStoreNotFound.
	Count(ctx context.Context, name string) (int, error)
	// Delete removes a store with all of its entries. It reports whether
	// the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

func checkSize(entry Entry, maxObjectBytes int64) error {
	if maxObjectBytes > 0 && int64(len(entry.Body)) > maxObjectBytes {
		return ErrTooLarge
	}
	return nil
}
