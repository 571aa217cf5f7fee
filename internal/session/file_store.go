package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

// FileStore 将每个会话的上下文写入数据目录下的独立 JSON 文件，方便本地开发时不依赖外部服务。
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore 创建文件存储，目录不存在时自动创建。
func NewFileStore(dataDir string) (*FileStore, error) {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = "."
	}
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话目录失败")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(f.dir, name+".json")
}

// SaveContext 先写临时文件再重命名，避免进程崩溃时留下半个文件。
func (f *FileStore) SaveContext(_ context.Context, key string, c *agent.Context) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	tmp := fmt.Sprintf("%s.tmp", target)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话文件失败")
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换会话文件失败")
	}
	return nil
}

// LoadContext 实现 Store 接口。
func (f *FileStore) LoadContext(_ context.Context, key string) (*agent.Context, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	data, err := os.ReadFile(f.path(key))
	f.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话文件失败")
	}
	return decode(key, data)
}

// DeleteContext 实现 Store 接口。
func (f *FileStore) DeleteContext(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话文件失败")
	}
	return nil
}

// Close 对文件存储无需操作。
func (f *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
