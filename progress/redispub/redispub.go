// Package redispub fans a transfer's progress out over Redis pub/sub,
// publishing a message per event and keeping a hash of the current state
// for late subscribers to poll.
package redispub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xmodemio/ymodem"
)

// Publisher decorates a ymodem.FileHandler, forwarding every call to the
// wrapped handler and additionally publishing progress/completion events
// to a Redis channel.
type Publisher struct {
	ymodem.FileHandler

	client  *redis.Client
	ctx     context.Context
	channel string
	sessID  string
}

// New opens a connection to addr and returns a Publisher that publishes
// to channel, tagging every message with sessionID.
func New(ctx context.Context, addr, password string, db int, channel, sessionID string, handler ymodem.FileHandler) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redispub: connect to %s: %w", addr, err)
	}
	return &Publisher{FileHandler: handler, client: client, ctx: ctx, channel: channel, sessID: sessionID}, nil
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error { return p.client.Close() }

func (p *Publisher) Progress(taskIndex int, name string, total, done uint64) {
	p.FileHandler.Progress(taskIndex, name, total, done)
	msg := fmt.Sprintf("progress:%s:%d:%d:%d", name, taskIndex, done, total)
	if err := p.client.Publish(p.ctx, p.channel, msg).Err(); err != nil {
		return // best-effort: a lost progress tick never aborts the transfer
	}
	_ = p.client.HSet(p.ctx, "ymodem:"+p.sessID, "file", name, "done", done, "total", total).Err()
}

func (p *Publisher) Completed(taskIndex int, name string, total, done uint64, err error) {
	p.FileHandler.Completed(taskIndex, name, total, done, err)
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	msg := fmt.Sprintf("completed:%s:%d:%d:%d:%s", name, taskIndex, done, total, status)
	_ = p.client.Publish(p.ctx, p.channel, msg).Err()
}
