package store

import (
	"context"
	"errors"
	"fmt"
	"pow-ledger/config"
	"pow-ledger/logger"
	"sort"
	"sync"
)

var log = logger.Logger

var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrEmptyKey    = errors.New("checkpoint name must not be empty")
	ErrStoreClosed = errors.New("store is closed")
)

// SnapshotStore keeps portable chain documents under a name.
type SnapshotStore interface {
	Save(ctx context.Context, key string, data []byte) error
	// Load returns ErrNotFound when nothing was saved under key.
	Load(ctx context.Context, key string) ([]byte, error)
	// List returns every saved name in ascending order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the backend selected by opts.Backend.
func Open(opts config.StoreOptions) (SnapshotStore, error) {
	log.WithFields(logger.Fields{
		"backend": opts.Backend,
		"path":    opts.Path,
	}).Debug("Opening checkpoint store")

	switch opts.Backend {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreSQLite:
		return NewSQLiteStore(opts.Path)
	case config.StoreBolt:
		return NewBoltStore(opts.Path)
	case config.StoreRedis:
		return NewRedisStore(context.Background(), opts.RedisAddr, opts.RedisDB, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// MemoryStore is the default backend; checkpoints vanish with the process.
type MemoryStore struct {
	mutex  sync.RWMutex
	items  map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	data, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
