package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryStorage struct {
	mu             sync.RWMutex
	stores         map[string]*memoryStore
	maxObjectBytes int64
}

func NewMemoryStorage(maxObjectBytes int64) *MemoryStorage {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &MemoryStorage{
		stores:         make(map[string]*memoryStore),
		maxObjectBytes: maxObjectBytes,
	}
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	store := &memoryStore{
		name:           name,
		entries:        make(map[string]Entry),
		maxObjectBytes: m.maxObjectBytes,
	}
	m.stores[name] = store
	return store, nil
}

func (m *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.stores[name]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Count(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	store, ok := m.stores[name]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrStoreNotFound
	}
	return store.Len(ctx)
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	store, ok := m.stores[name]
	delete(m.stores, name)
	m.mu.Unlock()
	if ok {
		store.drop()
	}
	return ok, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memoryStore struct {
	name           string
	mu             sync.RWMutex
	entries        map[string]Entry
	deleted        bool
	maxObjectBytes int64
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, entry Entry) error {
	return s.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (s *memoryStore) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, record := range records {
		if err := checkSize(record.Entry, s.maxObjectBytes); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrStoreNotFound
	}
	for _, record := range records {
		s.entries[record.Key] = record.Entry.Clone()
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.deleted {
		s.mu.RUnlock()
		return nil, ErrStoreNotFound
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted {
		return 0, ErrStoreNotFound
	}
	return len(s.entries), nil
}

func (s *memoryStore) drop() {
	s.mu.Lock()
	s.deleted = true
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
}
