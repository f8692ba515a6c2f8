package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// PublishJSON 发布 JSON 消息到 Pub/Sub 频道
func PublishJSON(ctx context.Context, client *redis.Client, channel string, data interface{}) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, jsonBytes).Err()
}

// Subscribe 订阅频道并等待订阅确认
// 调用方负责关闭返回的 PubSub
func Subscribe(ctx context.Context, client *redis.Client, channels ...string) (*redis.PubSub, error) {
	sub := client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}
	return sub, nil
}
