// Package bus provides the publish/subscribe adapter used for cross-process
// signalling: call transfers to human agents and call lifecycle events. It
// is a thin wrapper over Redis pub/sub; all publishes are fire-and-forget
// and delivery is at-most-once, which matches the contract of the channel —
// collectors reconcile against their own state.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reconnect backoff bounds for the subscribe loop.
const (
	subscribeBackoffMin = 500 * time.Millisecond
	subscribeBackoffMax = 30 * time.Second
)

// Publisher is the narrow interface components use to emit events. The
// *Bus implementation is shared across all sessions.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Bus is a Redis-backed pub/sub client. Safe for concurrent use; the
// underlying go-redis client serialises and pools connections internally.
type Bus struct {
	rdb *redis.Client
}

// Compile-time assertion that Bus satisfies Publisher.
var _ Publisher = (*Bus)(nil)

// New creates a Bus from a Redis URL (redis://host:port/db).
func New(url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts)}, nil
}

// Publish delivers payload to channel. Errors surface the broken connection
// to the caller; they are non-fatal for audio but fatal for the tool call
// that needed the publish.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", channel, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (b *Bus) PublishJSON(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return b.Publish(ctx, channel, payload)
}

// PublishJSONRetry publishes with exponential backoff, giving up after
// attempts tries with a logged warning. Used for cost reports, where a lost
// event is preferable to blocking session teardown forever.
func (b *Bus) PublishJSONRetry(ctx context.Context, channel string, v any, attempts int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	backoff := subscribeBackoffMin
	var lastErr error
	for i := range attempts {
		if lastErr = b.Publish(ctx, channel, payload); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, subscribeBackoffMax)
	}

	slog.Warn("bus: dropping event after retries",
		"channel", channel,
		"attempts", attempts,
		"err", lastErr,
	)
	return lastErr
}

// Subscribe consumes channel until ctx is cancelled, invoking handler for
// each JSON message. Messages that are not valid JSON are logged and
// discarded. The loop survives connection loss: go-redis resubscribes
// internally, and receive errors back the loop off before retrying.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) {
	sub := b.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	backoff := subscribeBackoffMin
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bus: receive failed, retrying", "channel", channel, "backoff", backoff, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, subscribeBackoffMax)
			continue
		}
		backoff = subscribeBackoffMin

		payload := []byte(msg.Payload)
		if !json.Valid(payload) {
			slog.Warn("bus: discarding unparseable message", "channel", channel, "bytes", len(payload))
			continue
		}
		handler(payload)
	}
}

// Ping verifies connectivity for readiness checks.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
