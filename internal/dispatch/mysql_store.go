package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

const messageColumns = `id, channel_id, channel_type, session_id, user_name, text, status, attempts, max_attempts,
        execution_id, error_code, reason, summary, follow_up, total_iterations, snapshot, created_at, updated_at`

const (
	insertMessageSQL = `INSERT INTO dispatch_messages
        (id, channel_id, channel_type, session_id, user_name, text, status, attempts, max_attempts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectMessageSQL = `SELECT ` + messageColumns + ` FROM dispatch_messages WHERE id = ?`
	claimMessageSQL  = `UPDATE dispatch_messages SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_attempts`
	requeueMessageSQL = `UPDATE dispatch_messages SET status = ?, updated_at = ?,
        execution_id = COALESCE(NULLIF(?, ''), execution_id), error_code = COALESCE(NULLIF(?, ''), error_code),
        reason = COALESCE(NULLIF(?, ''), reason), total_iterations = GREATEST(total_iterations, ?)
        WHERE id = ? AND status IN (?, ?)`
	completeMessageSQL = `UPDATE dispatch_messages SET status = ?, execution_id = ?, error_code = ?, reason = ?,
        summary = ?, follow_up = ?, total_iterations = ?, snapshot = ?, updated_at = ? WHERE id = ?`
)

// MySQLStore 使用 dispatch_messages 表记录消息状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已完成迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的消息记录。
func (s *MySQLStore) Create(ctx context.Context, msg *Message) error {
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}

	now := s.now().Unix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, insertMessageSQL,
		msg.ID,
		msg.ChannelID,
		msg.ChannelType,
		msg.SessionID,
		msg.UserName,
		msg.Text,
		string(msg.Status),
		msg.Attempts,
		msg.MaxAttempts,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrMessageConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入消息失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var result Result
	var status, code string
	var reason, summary, followUp, snapshot sql.NullString
	if err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.ChannelType,
		&msg.SessionID,
		&msg.UserName,
		&msg.Text,
		&status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&result.ExecutionID,
		&code,
		&reason,
		&summary,
		&followUp,
		&result.TotalIterations,
		&snapshot,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	msg.Status = Status(status)
	result.Code = xerrors.Code(code)
	result.Reason = reason.String
	result.Summary = summary.String
	result.FollowUp = followUp.String
	if snapshot.Valid && snapshot.String != "" {
		var c agent.Context
		if err := json.Unmarshal([]byte(snapshot.String), &c); err != nil {
			return nil, fmt.Errorf("解析上下文快照失败: %w", err)
		}
		result.Snapshot = &c
	}
	if !result.empty() {
		msg.Result = &result
	}
	return &msg, nil
}

// Get 查询指定消息。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessageSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	return msg, nil
}

// Claim 通过条件更新保证同一消息只会被一个 worker 领取。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Message, error) {
	res, err := s.db.ExecContext(ctx, claimMessageSQL,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusQueued),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取消息失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return msg, nil
	}
	switch {
	case msg.Status.IsTerminal():
		return msg, ErrMessageCompleted
	case msg.Status == StatusRunning:
		return msg, ErrMessageConflict
	case msg.Attempts >= msg.MaxAttempts:
		return msg, ErrMessageExhausted
	default:
		return msg, ErrMessageConflict
	}
}

// Requeue 实现 Store 接口。
func (s *MySQLStore) Requeue(ctx context.Context, id string, result *Result) error {
	var r Result
	if result != nil {
		r = *result
	}
	res, err := s.db.ExecContext(ctx, requeueMessageSQL,
		string(StatusQueued),
		s.now().Unix(),
		r.ExecutionID,
		string(r.Code),
		r.Reason,
		r.TotalIterations,
		id,
		string(StatusQueued),
		string(StatusRunning),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "消息重新排队失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrMessageCompleted
	}
	return nil
}

// Complete 实现 Store 接口。
func (s *MySQLStore) Complete(ctx context.Context, id string, status Status, result Result) error {
	if !status.IsTerminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态不合法: "+string(status))
	}
	var snapshot any
	if result.Snapshot != nil {
		data, err := json.Marshal(result.Snapshot)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化上下文快照失败")
		}
		snapshot = string(data)
	}
	res, err := s.db.ExecContext(ctx, completeMessageSQL,
		string(status),
		result.ExecutionID,
		string(result.Code),
		result.Reason,
		result.Summary,
		result.FollowUp,
		result.TotalIterations,
		snapshot,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// List 返回符合条件的消息。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Message, error) {
	opts.applyDefaults()

	query := `SELECT ` + messageColumns + ` FROM dispatch_messages`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息列表失败")
	}
	defer rows.Close()

	messages := make([]*Message, 0, opts.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息记录失败")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return messages, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.ChannelID != 0 {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, opts.ChannelID)
	}
	if opts.SessionID != 0 {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR text LIKE ? OR user_name LIKE ? OR channel_type LIKE ? OR summary LIKE ? OR reason LIKE ? OR error_code LIKE ?)")
		for i := 0; i < 7; i++ {
			args = append(args, pattern)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
