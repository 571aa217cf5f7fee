package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

const (
	upsertContextSQL = `INSERT INTO agent_contexts
        (session_key, mode, total_iterations, finished, payload, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE mode = VALUES(mode), total_iterations = VALUES(total_iterations),
        finished = VALUES(finished), payload = VALUES(payload), updated_at = VALUES(updated_at)`
	selectContextSQL = `SELECT payload FROM agent_contexts WHERE session_key = ?`
	deleteContextSQL = `DELETE FROM agent_contexts WHERE session_key = ?`
)

// MySQLStore 使用 agent_contexts 表保存上下文，表结构由内嵌迁移创建。
// mode 等冗余列只用于运维查询，恢复时以 payload 为准。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已完成迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// SaveContext 以 upsert 方式写入上下文。
func (s *MySQLStore) SaveContext(ctx context.Context, key string, c *agent.Context) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}
	now := s.now().Unix()
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	if _, err := s.db.ExecContext(ctx, upsertContextSQL,
		key,
		string(c.Mode),
		c.TotalIterations,
		c.Finished,
		string(data),
		createdAt,
		now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话上下文失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

// LoadContext 实现 Store 接口。
func (s *MySQLStore) LoadContext(ctx context.Context, key string) (*agent.Context, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var payload string
	if err := s.db.QueryRowContext(ctx, selectContextSQL, key).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(key)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话上下文失败", xerrors.WithMetadata("key", key))
	}
	return decode(key, []byte(payload))
}

// DeleteContext 实现 Store 接口。
func (s *MySQLStore) DeleteContext(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, deleteContextSQL, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话上下文失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
