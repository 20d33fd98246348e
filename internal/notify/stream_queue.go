// Package notify delivers customer notifications through a Redis stream that
// downstream senders (email, push) consume at their own pace.
package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream notifications are appended to when no name is
// configured.
const DefaultStream = "booking_notifications"

const defaultMaxLen = 10000

// StreamQueue appends notifications to a Redis stream. Enqueueing is the
// delivery guarantee boundary: once XAdd returns, the notification is durable
// in the stream and the saga's work is done.
type StreamQueue struct {
	client redis.Cmdable
	stream string
	maxLen int64
	now    func() time.Time
}

// NewStreamQueue constructs a StreamQueue over any go-redis client.
func NewStreamQueue(client redis.Cmdable, stream string) *StreamQueue {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamQueue{
		client: client,
		stream: stream,
		maxLen: defaultMaxLen,
		now:    time.Now,
	}
}

// Notify appends one notification to the stream. The key lets consumers
// deduplicate redelivered entries.
func (q *StreamQueue) Notify(ctx context.Context, key, customerID, subject, body string) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"key":         key,
			"customer_id": customerID,
			"subject":     subject,
			"body":        body,
			"queued_at":   q.now().UTC().Format(time.RFC3339Nano),
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}
