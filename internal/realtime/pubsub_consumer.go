package realtime

import (
	"context"
	"fmt"
	"sync"

	rediscommon "wisefido-hospitalization/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PubSubConsumer 订阅 Redis Pub/Sub 频道，按到达顺序逐条分发
type PubSubConsumer struct {
	redisClient *redis.Client
	dispatcher  *Dispatcher
	channel     string
	logger      *zap.Logger

	mu  sync.Mutex
	sub *redis.PubSub
}

// NewPubSubConsumer 创建 Pub/Sub 消费者
func NewPubSubConsumer(redisClient *redis.Client, dispatcher *Dispatcher, channel string, logger *zap.Logger) *PubSubConsumer {
	return &PubSubConsumer{
		redisClient: redisClient,
		dispatcher:  dispatcher,
		channel:     channel,
		logger:      logger,
	}
}

// Start 订阅频道并阻塞处理消息，直到 ctx 取消或订阅关闭
func (c *PubSubConsumer) Start(ctx context.Context) error {
	sub, err := rediscommon.Subscribe(ctx, c.redisClient, c.channel)
	if err != nil {
		return fmt.Errorf("failed to start pubsub consumer: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	defer sub.Close()

	c.logger.Info("Pub/Sub consumer started", zap.String("channel", c.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.dispatcher.DispatchEnvelope(ctx, []byte(msg.Payload)); err != nil {
				c.logger.Error("Failed to process pubsub event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
			}
		}
	}
}

// Stop 取消订阅
func (c *PubSubConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(ctx, c.channel); err != nil {
		c.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("Pub/Sub consumer stopped")
	return sub.Close()
}
