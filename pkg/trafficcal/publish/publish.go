package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Publisher fans new predictions out to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, prediction *types.Prediction) error
	Close() error
}

// Message is the payload written to the channel
type Message struct {
	Event      string            `json:"event"`
	Prediction *types.Prediction `json:"prediction"`
	Bucket     string            `json:"bucket"`
}

// Encode renders the channel payload for a prediction
func Encode(prediction *types.Prediction) ([]byte, error) {
	return json.Marshal(Message{
		Event:      "prediction.created",
		Prediction: prediction,
		Bucket:     prediction.Bucket().String(),
	})
}

// RedisPublisher publishes predictions on a Redis pub/sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis instance at url (redis://host:port/db)
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if channel == "" {
		channel = common.DefaultPublishChannel
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	klog.InfoS("Connected prediction publisher", "addr", opts.Addr, "channel", channel)
	return &RedisPublisher{client: client, channel: channel}, nil
}

// NewRedisPublisherFromClient wraps an existing client without pinging it
func NewRedisPublisherFromClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = common.DefaultPublishChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, prediction *types.Prediction) error {
	data, err := Encode(prediction)
	if err != nil {
		return fmt.Errorf("failed to encode prediction %s: %w", prediction.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed for property %s: %w", prediction.PropertyID, err)
	}
	klog.V(4).InfoS("Published prediction", "channel", p.channel, "id", prediction.ID, "propertyID", prediction.PropertyID)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
