package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshRequest asks a running server to start a snapshot refresh.
type RefreshRequest struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// RefreshQueue is the Redis list key (before prefixing) used for refresh requests.
const RefreshQueue = "jobs:refresh"

// Enqueue pushes a request onto the left side of a Redis list.
func Enqueue(ctx context.Context, r *Redis, queue string, req RefreshRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, r.key(queue), data).Err()
}

// Dequeue blocks until a request is available on the right side of the list
// or the timeout expires. When the timeout elapses without a request,
// (nil, nil) is returned so the caller can loop and check for shutdown.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*RefreshRequest, error) {
	result, err := r.client.BRPop(ctx, timeout, r.key(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		// Context cancelled on shutdown.
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var req RefreshRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &req, nil
}
