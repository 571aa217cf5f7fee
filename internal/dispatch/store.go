package dispatch

import "context"

// Store 抽象了消息状态的持久化接口。
type Store interface {
	Create(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// Claim 将排队中的消息标记为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Message, error)
	// Requeue 将运行中的消息放回排队状态，result 记录上一次尝试的结果，可以为 nil。
	Requeue(ctx context.Context, id string, result *Result) error
	// Complete 写入终态。
	Complete(ctx context.Context, id string, status Status, result Result) error
	List(ctx context.Context, opts ListOptions) ([]*Message, error)
	Close() error
}
