package session

import (
	"context"
	"sync"

	"stark-backend/internal/agent"
)

// MemoryStore 在进程内保存序列化后的上下文，读写都经过 JSON 复制，调用方拿到的对象互不共享。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// SaveContext 实现 Store 接口。
func (m *MemoryStore) SaveContext(_ context.Context, key string, c *agent.Context) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[key] = data
	m.mu.Unlock()
	return nil
}

// LoadContext 实现 Store 接口。
func (m *MemoryStore) LoadContext(_ context.Context, key string) (*agent.Context, error) {
	m.mu.RLock()
	data, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(key)
	}
	return decode(key, data)
}

// DeleteContext 实现 Store 接口，删除不存在的键不报错。
func (m *MemoryStore) DeleteContext(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len 返回当前保存的上下文数量。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var (
	_ Store              = (*MemoryStore)(nil)
	_ agent.Checkpointer = (*MemoryStore)(nil)
)
