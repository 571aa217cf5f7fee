package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "stark-backend/internal/errors"
)

// MemoryStore 以内存方式保存消息状态，用于单机部署和测试。
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, msg *Message) error {
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrMessageConflict
	}
	now := m.now().Unix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// Get 返回消息副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	switch {
	case msg.Status.IsTerminal():
		return cloneMessage(msg), ErrMessageCompleted
	case msg.Status == StatusRunning:
		return cloneMessage(msg), ErrMessageConflict
	case msg.Attempts >= msg.MaxAttempts:
		return cloneMessage(msg), ErrMessageExhausted
	}
	msg.Status = StatusRunning
	msg.Attempts++
	msg.UpdatedAt = m.now().Unix()
	return cloneMessage(msg), nil
}

// Requeue 实现 Store 接口。
func (m *MemoryStore) Requeue(_ context.Context, id string, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Status.IsTerminal() {
		return ErrMessageCompleted
	}
	msg.Status = StatusQueued
	if !result.empty() {
		copied := *result
		msg.Result = &copied
	}
	msg.UpdatedAt = m.now().Unix()
	return nil
}

// Complete 实现 Store 接口。
func (m *MemoryStore) Complete(_ context.Context, id string, status Status, result Result) error {
	if !status.IsTerminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态不合法: "+string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = status
	msg.Result = &result
	msg.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的消息。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Message, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if opts.match(msg) {
			results = append(results, cloneMessage(msg))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Message{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
