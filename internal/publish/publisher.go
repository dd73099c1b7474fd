// Package publish fans decoded frames out to Redis: every frame is published
// on a pub/sub channel and pushed onto a bounded history list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/pkg/protocol"
)

const APIVersion = "v1"

// Message is the JSON document published for each frame.
type Message struct {
	APIVersion string  `json:"apiVersion"`
	SessionID  string  `json:"sessionId"`
	PackageID  uint32  `json:"packageId"`
	Origin     int64   `json:"origin"`
	Voltage    []int32 `json:"voltage"`
	Current    []int32 `json:"current"`
}

// Encode builds the published form of f.
func Encode(sessionID string, f *protocol.Frame, at time.Time) ([]byte, error) {
	data, err := json.Marshal(Message{
		APIVersion: APIVersion,
		SessionID:  sessionID,
		PackageID:  f.PackageID,
		Origin:     at.UnixNano(),
		Voltage:    f.Voltage,
		Current:    f.Current,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", f.PackageID, err)
	}
	return data, nil
}

// Publisher writes frames to Redis.
type Publisher struct {
	client        *redis.Client
	channel       string
	historyKey    string
	historyLength int64
	log           logrus.FieldLogger
	sessionID     atomic.Value
	onError       func(error)
}

// New connects to Redis and checks the connection with PING.
func New(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Address, err)
	}

	log.WithField("address", cfg.Address).Info("redis connected")

	p := &Publisher{
		client:        client,
		channel:       cfg.Channel,
		historyKey:    cfg.HistoryKey,
		historyLength: cfg.HistoryLength,
		log:           log,
	}
	p.sessionID.Store("")
	return p, nil
}

// SetSession tags subsequent messages with id.
func (p *Publisher) SetSession(id string) {
	p.sessionID.Store(id)
}

// OnError registers a callback for failed batches, e.g. a metrics counter.
func (p *Publisher) OnError(fn func(error)) {
	p.onError = fn
}

// WriteFrames publishes a batch in one pipeline. The history list is trimmed
// to the configured length after the batch.
func (p *Publisher) WriteFrames(ctx context.Context, frames []protocol.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	sessionID := p.sessionID.Load().(string)
	at := time.Now()

	pipe := p.client.Pipeline()
	for i := range frames {
		data, err := Encode(sessionID, &frames[i], at)
		if err != nil {
			p.log.WithError(err).Error("skipping frame")
			continue
		}
		pipe.Publish(ctx, p.channel, data)
		if p.historyKey != "" {
			pipe.LPush(ctx, p.historyKey, data)
		}
	}
	if p.historyKey != "" && p.historyLength > 0 {
		pipe.LTrim(ctx, p.historyKey, 0, p.historyLength-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("failed to publish %d frames: %w", len(frames), err)
		if p.onError != nil {
			p.onError(err)
		}
		return err
	}
	return nil
}

// History returns up to n of the most recent published messages, newest first.
func (p *Publisher) History(ctx context.Context, n int64) ([]Message, error) {
	if p.historyKey == "" || n <= 0 {
		return nil, nil
	}
	raw, err := p.client.LRange(ctx, p.historyKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("corrupt history entry: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close releases the connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
