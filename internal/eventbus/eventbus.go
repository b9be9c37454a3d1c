// Package eventbus fans events out to local subscribers (C8 streaming
// consumers, C14 local SSE-like subscribers) using goa.design/pulse streams
// backed by Redis, mirroring the layering of features/stream/pulse in the
// broader corpus: callers build a Redis client, hand it to New, and receive
// a typed interface scoped to the operations the worker needs.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Event is one published event (spec §6 event topic conventions): a
// workflow execution's topic plus the orchestrator's {eventType, data} pair.
type Event struct {
	Topic           string
	Type            string
	Data            any
	ExecutionID     string
	RootExecutionID string
	Timestamp       time.Time
}

// Bus publishes Events onto per-topic Pulse streams and lets local
// subscribers (e.g. a worker's own SSE bridge) attach consumer groups.
type Bus struct {
	redis   *redis.Client
	maxLen  int
	streams map[string]*streaming.Stream
}

// New constructs a Bus backed by redisClient. maxLen bounds the number of
// entries retained per topic stream; zero uses Pulse's defaults.
func New(redisClient *redis.Client, maxLen int) *Bus {
	return &Bus{redis: redisClient, maxLen: maxLen, streams: make(map[string]*streaming.Stream)}
}

// Publish appends evt to its topic's stream, creating the stream on first
// use.
func (b *Bus) Publish(ctx context.Context, evt Event) (entryID string, err error) {
	if evt.Topic == "" {
		return "", errors.New("eventbus: topic is required")
	}
	stream, err := b.streamFor(evt.Topic)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal event: %w", err)
	}
	id, err := stream.Add(ctx, evt.Type, payload)
	if err != nil {
		return "", fmt.Errorf("eventbus: publish: %w", err)
	}
	return id, nil
}

// Subscribe attaches a named consumer group to topic and returns its
// channel of raw stream events. name should be stable per logical
// subscriber (e.g. the worker's own push endpoint id) so reconnects resume
// from the last acknowledged entry.
func (b *Bus) Subscribe(ctx context.Context, topic, name string) (*streaming.Sink, error) {
	stream, err := b.streamFor(topic)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}
	return sink, nil
}

func (b *Bus) streamFor(topic string) (*streaming.Stream, error) {
	if s, ok := b.streams[topic]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	s, err := streaming.NewStream(topic, b.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open stream %q: %w", topic, err)
	}
	b.streams[topic] = s
	return s, nil
}

// Close releases Bus resources. The caller owns the Redis connection
// lifecycle; Close only destroys locally tracked stream handles.
func (b *Bus) Close() {
	b.streams = make(map[string]*streaming.Stream)
}
