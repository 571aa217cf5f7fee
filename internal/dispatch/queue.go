package dispatch

import "context"

// Handler 处理从队列取出的消息 ID。返回错误表示需要重新投递。
type Handler func(ctx context.Context, messageID string) error

// Producer 负责向队列投递消息 ID。
type Producer interface {
	Publish(ctx context.Context, messageID string) error
	Close() error
}

// Consumer 负责从队列中消费消息 ID，阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
