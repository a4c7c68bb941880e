package mq

import (
	"context"
	"time"
)

type MessageQueue interface {
	// Send enqueues body so that it becomes visible after delay. Backends may
	// round delay down to their own granularity.
	Send(ctx context.Context, body string, delay time.Duration) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}
