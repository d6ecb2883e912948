package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "session:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance
// broadcast. Instance identifies the publisher so it can skip its own
// messages: local clients already got the event directly from the hub.
type redisPayload struct {
	Instance string          `json:"instance"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	At       int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, instanceID: uuid.New().String(), logger: logger}
}

func (r *RedisPubSub) encode(event string, payload []byte) ([]byte, error) {
	return json.Marshal(redisPayload{
		Instance: r.instanceID,
		Event:    event,
		Data:     payload,
		At:       time.Now().Unix(),
	})
}

// decode parses a wire message. ok is false for malformed messages and for
// this instance's own publishes, which must not be delivered twice.
func (r *RedisPubSub) decode(body []byte) (event string, payload []byte, ok bool) {
	var p redisPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", nil, false
	}
	if p.Instance == r.instanceID {
		return "", nil, false
	}
	return p.Event, p.Data, true
}

// PublishSessionEvent publishes an event to the session's Redis channel.
func (r *RedisPubSub) PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error {
	channel := channelPrefix + sessionID.String()
	body, err := r.encode(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeSession subscribes to a session's Redis channel and calls handler
// for each message from other instances. Returns a cancel function to stop
// the subscription.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + sessionID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, payload, deliver := r.decode([]byte(msg.Payload))
				if !deliver {
					continue
				}
				handler(event, payload)
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
