// ============================================================================
// Package: status
// File: redis.go
// Purpose: Publish live batch progress to Redis for out-of-process readers
// ============================================================================

// Package status fans batch progress out through Redis. The latest snapshot
// of each batch is kept under its own key and every update is also published
// on a shared channel.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

const (
	// DefaultChannel carries every progress update
	DefaultChannel = "docflow:progress"
	// DefaultTTL bounds how long a finished batch stays readable
	DefaultTTL = 24 * time.Hour

	keyPrefix = "docflow:batch:"
)

// ErrNoStatus is returned by Get when no snapshot exists for a batch
var ErrNoStatus = errors.New("no status published for batch")

// commander is the subset of the go-redis client the publisher uses
type commander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Update is the message published on the progress channel
type Update struct {
	BatchID  string              `json:"batch_id"`
	Progress types.BatchProgress `json:"progress"`
	At       time.Time           `json:"at"`
}

// RedisPublisher writes progress snapshots to Redis
type RedisPublisher struct {
	client  commander
	sub     *redis.Client
	channel string
	ttl     time.Duration
	log     zerolog.Logger
}

// Option configures a RedisPublisher
type Option func(*RedisPublisher)

// WithChannel overrides the pub/sub channel
func WithChannel(ch string) Option {
	return func(p *RedisPublisher) {
		if ch != "" {
			p.channel = ch
		}
	}
}

// WithTTL overrides the snapshot expiry
func WithTTL(ttl time.Duration) Option {
	return func(p *RedisPublisher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithLogger sets the publisher logger
func WithLogger(log zerolog.Logger) Option {
	return func(p *RedisPublisher) { p.log = log }
}

// Dial connects to the Redis server at redisURL and checks it with PING.
func Dial(ctx context.Context, redisURL string, opts ...Option) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	p := newPublisher(c, opts...)
	p.sub = c
	return p, nil
}

func newPublisher(c commander, opts ...Option) *RedisPublisher {
	p := &RedisPublisher{
		client:  c,
		channel: DefaultChannel,
		ttl:     DefaultTTL,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Key returns the Redis key holding the latest snapshot of a batch
func Key(batchID string) string { return keyPrefix + batchID + ":progress" }

// Publish stores the snapshot and announces it on the channel
func (p *RedisPublisher) Publish(ctx context.Context, prog types.BatchProgress) error {
	body, err := json.Marshal(Update{BatchID: prog.BatchID, Progress: prog, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := p.client.Set(ctx, Key(prog.BatchID), body, p.ttl).Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	p.log.Debug().
		Str("batch_id", prog.BatchID).
		Int("completed", prog.CompletedJobs).
		Int("total", prog.TotalJobs).
		Msg("progress published")
	return nil
}

// Get returns the latest published snapshot of a batch
func (p *RedisPublisher) Get(ctx context.Context, batchID string) (Update, error) {
	raw, err := p.client.Get(ctx, Key(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Update{}, fmt.Errorf("%w: %s", ErrNoStatus, batchID)
	}
	if err != nil {
		return Update{}, fmt.Errorf("read progress: %w", err)
	}
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("decode progress: %w", err)
	}
	return u, nil
}

// Follow calls fn for every update of batchID (every batch when empty)
// until ctx is done.
func (p *RedisPublisher) Follow(ctx context.Context, batchID string, fn func(Update)) error {
	if p.sub == nil {
		return errors.New("follow needs a dialed publisher")
	}
	ps := p.sub.Subscribe(ctx, p.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := decode(msg.Payload)
			if err != nil {
				p.log.Warn().Err(err).Msg("skipping malformed progress message")
				continue
			}
			if batchID == "" || u.BatchID == batchID {
				fn(u)
			}
		}
	}
}

func decode(payload string) (Update, error) {
	var u Update
	err := json.Unmarshal([]byte(payload), &u)
	return u, err
}

// Close releases the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
