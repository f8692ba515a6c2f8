package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqttcommon "wisefido-hospitalization/common/mqtt"

	"go.uber.org/zap"
)

// MQTTSubscriber MQTT 客户端的最小接口（便于测试替换）
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 订阅 <prefix>/+ 主题，事件类型取主题最后一段
// 例如 hospitalization/attention/updated，payload 为 {"data":{...}} 或住院记录本身
type MQTTConsumer struct {
	client      MQTTSubscriber
	dispatcher  *Dispatcher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(client MQTTSubscriber, dispatcher *Dispatcher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		client:      client,
		dispatcher:  dispatcher,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		qos:         qos,
		logger:      logger,
	}
}

func (c *MQTTConsumer) topic() string {
	return c.topicPrefix + "/+"
}

// Start 订阅主题并等待 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.topic(), c.qos, func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to hospitalization topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic()))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.client.Unsubscribe(c.topic()); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	eventName := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		eventName = topic[i+1:]
	}

	data := json.RawMessage(payload)
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
			data = env.Data
		}
	}

	return c.dispatcher.Dispatch(ctx, eventName, data)
}
