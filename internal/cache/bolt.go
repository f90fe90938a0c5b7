package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const boltStorePrefix = "store/"

// BoltStorage keeps every store as a top-level bucket in one BoltDB file.
type BoltStorage struct {
	db             *bbolt.DB
	maxObjectBytes int64
}

func OpenBolt(path string, maxObjectBytes int64) (*BoltStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return &BoltStorage{db: db, maxObjectBytes: maxObjectBytes}, nil
}

func (b *BoltStorage) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	return &boltStore{storage: b, name: name}, nil
}

func (b *BoltStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(boltBucket(name)) != nil
		return nil
	})
	return found, err
}

func (b *BoltStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := []string{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(bucket []byte, _ *bbolt.Bucket) error {
			if name, ok := strings.CutPrefix(string(bucket), boltStorePrefix); ok {
				names = append(names, name)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *BoltStorage) Count(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket(name))
		if bucket == nil {
			return ErrStoreNotFound
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

func (b *BoltStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(boltBucket(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	return deleted, nil
}

func boltBucket(name string) []byte {
	return []byte(boltStorePrefix + name)
}

type boltStore struct {
	storage *BoltStorage
	name    string
}

func (s *boltStore) Name() string {
	return s.name
}

func (s *boltStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var data []byte
	err := s.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket(s.name))
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(key)); value != nil {
			data = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("match %q: %w", key, err)
	}
	if data == nil {
		return Entry{}, false, nil
	}
	entry, err := decodeEntry(data)
	if err != nil {
		s.evict(key)
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *boltStore) Put(ctx context.Context, key string, entry Entry) error {
	return s.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (s *boltStore) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payloads := make([][]byte, len(records))
	for i, record := range records {
		if err := checkSize(record.Entry, s.storage.maxObjectBytes); err != nil {
			return err
		}
		data, err := encodeEntry(record.Entry)
		if err != nil {
			return err
		}
		payloads[i] = data
	}
	return s.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket(s.name))
		if bucket == nil {
			return ErrStoreNotFound
		}
		for i, record := range records {
			if err := bucket.Put([]byte(record.Key), payloads[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := []string{}
	err := s.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket(s.name))
		if bucket == nil {
			return ErrStoreNotFound
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *boltStore) Len(ctx context.Context) (int, error) {
	return s.storage.Count(ctx, s.name)
}

func (s *boltStore) evict(key string) {
	_ = s.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket(s.name))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}
