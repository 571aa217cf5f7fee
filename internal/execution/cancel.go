package execution

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelRequested 是令牌触发后派生 context 的取消原因。
var ErrCancelRequested = errors.New("execution cancellation requested")

// CancelToken 是显式传递的取消信号，可被多次调用但只生效一次。
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken 创建一个未触发的取消令牌。
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel 触发取消，首次调用返回 true。
func (t *CancelToken) Cancel() bool {
	fired := false
	t.once.Do(func() {
		close(t.ch)
		fired = true
	})
	return fired
}

// Cancelled 判断令牌是否已触发。
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done 返回在取消时关闭的通道。
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

// Bind 派生一个在令牌触发时同样被取消的 context，用于打断阻塞中的外部调用。
func (t *CancelToken) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.ch:
			cancel(ErrCancelRequested)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
