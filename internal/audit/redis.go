package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamLen = 100000

// RedisStreamSink appends audit records to a capped Redis stream.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink constructs a sink writing to stream.
func NewRedisStreamSink(client redis.UniversalClient, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultStreamLen}
}

// Write implements Sink.
func (s *RedisStreamSink) Write(ctx context.Context, rec Record) error {
	values := map[string]any{
		"actor":   rec.Actor,
		"action":  string(rec.Action),
		"target":  rec.Target,
		"success": strconv.FormatBool(rec.Success),
		"at":      rec.At.UTC().Format(time.RFC3339Nano),
	}
	if rec.Detail != "" {
		values["detail"] = rec.Detail
	}
	if len(rec.Fields) > 0 {
		encoded, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("encode audit fields: %w", err)
		}
		values["fields"] = string(encoded)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}
