package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "wisefido-hospitalization/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamConsumer Redis Streams 消费者组模式
// 消息字段: event=<事件名>, data=<住院记录 JSON>
type StreamConsumer struct {
	redisClient  *redis.Client
	dispatcher   *Dispatcher
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(
	redisClient *redis.Client,
	dispatcher *Dispatcher,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *StreamConsumer {
	return &StreamConsumer{
		redisClient:  redisClient,
		dispatcher:   dispatcher,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		block:        5 * time.Second,
	}
}

// SetBlockTimeout 设置单次读取的阻塞时间，决定停止时的最长等待
func (c *StreamConsumer) SetBlockTimeout(d time.Duration) {
	if d > 0 {
		c.block = d
	}
}

// Start 启动消费者（阻塞），读取失败时指数退避
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.consumeEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume events",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
	}
}

// Stop 无需释放资源，Start 随 ctx 取消退出
func (c *StreamConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stream consumer stopped")
	return nil
}

// consumeEvents 读取并处理一批消息
func (c *StreamConsumer) consumeEvents(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.batchSize, c.block)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process stream event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		// 处理失败同样确认，不重复投递
		if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	eventName, _ := msg.Values["event"].(string)
	data, _ := msg.Values["data"].(string)
	if eventName == "" {
		// 兼容整条信封写在 data 字段中的生产者
		return c.dispatcher.DispatchEnvelope(ctx, []byte(data))
	}
	return c.dispatcher.Dispatch(ctx, eventName, json.RawMessage(data))
}
