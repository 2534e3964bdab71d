package transport

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis publishes payloads over Redis pub/sub so relay processes on
// other hosts can deliver them to their local sessions. A send counts
// as delivered when at least one subscriber received the publish.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "relay"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) threadChannel(threadID string) string {
	return r.prefix + ":thread:" + threadID
}

func (r *Redis) broadcastChannel() string {
	return r.prefix + ":broadcast"
}

func (r *Redis) Send(ctx context.Context, threadID string, payload map[string]any) bool {
	if threadID == "" {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	receivers, err := r.client.Publish(ctx, r.threadChannel(threadID), data).Result()
	if err != nil {
		return false
	}
	return receivers > 0
}

func (r *Redis) Broadcast(ctx context.Context, payload map[string]any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	receivers, err := r.client.Publish(ctx, r.broadcastChannel(), data).Result()
	if err != nil {
		return 0
	}
	return int(receivers)
}

// RunBridge subscribes to the relay channels and replays incoming
// payloads into the local hub, so a process can deliver events
// published by its peers. Blocks until ctx is done.
//
// Deployments that publish through Redis should not also send to the
// local hub directly, or attached sessions see every event twice.
func RunBridge(ctx context.Context, client *redis.Client, prefix string, hub *Hub) error {
	if prefix == "" {
		prefix = "relay"
	}
	sub := client.PSubscribe(ctx, prefix+":thread:*", prefix+":broadcast")
	defer sub.Close()

	threadPrefix := prefix + ":thread:"
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				log.Printf("transport: drop malformed bridge payload on %s: %v", msg.Channel, err)
				continue
			}
			if strings.HasPrefix(msg.Channel, threadPrefix) {
				hub.Send(ctx, strings.TrimPrefix(msg.Channel, threadPrefix), payload)
				continue
			}
			hub.Broadcast(ctx, payload)
		}
	}
}
