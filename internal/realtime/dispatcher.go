package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wisefido-hospitalization/internal/models"

	"go.uber.org/zap"
)

// ErrUnknownEvent 事件名无法识别
var ErrUnknownEvent = errors.New("unknown hospitalization event")

// Handler 住院记录事件处理者（由 store.StatusStore 实现）
type Handler interface {
	HandleCreated(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error)
	HandleUpdated(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error)
	HandleDeleted(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error)
}

// Recorder 记录每个已分发事件的处理结果（事件日志）
type Recorder interface {
	RecordEvent(ctx context.Context, ev models.AttentionEvent, outcome models.Outcome, handleErr error) error
}

// Consumer 实时通道消费者（Redis Pub/Sub、Redis Streams、MQTT）
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Envelope Redis 通道上的消息格式: {"event":"attention.updated","data":{...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Dispatcher 解码实时消息并路由到 Handler
type Dispatcher struct {
	handler  Handler
	recorder Recorder
	logger   *zap.Logger
}

// NewDispatcher 创建分发器，recorder 可为 nil
func NewDispatcher(handler Handler, recorder Recorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handler:  handler,
		recorder: recorder,
		logger:   logger,
	}
}

// ParseEventKind 识别事件名
// 接受 "created"、"attention.created"、".attention.created"、"AttentionCreated" 等形式
func ParseEventKind(name string) (models.EventKind, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, ".")
	if i := strings.LastIndexAny(n, `\/`); i >= 0 {
		n = n[i+1:]
	}
	for _, kind := range []models.EventKind{models.EventCreated, models.EventUpdated, models.EventDeleted} {
		k := string(kind)
		switch n {
		case k, "attention." + k, "attention_" + k, "attention" + k:
			return kind, true
		}
	}
	return "", false
}

// DispatchEnvelope 解析信封格式消息并分发
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to decode event envelope: %w", err)
	}
	return d.Dispatch(ctx, env.Event, env.Data)
}

// Dispatch 按事件名分发
// data 无法解码时仍以空 payload 分发：updated 会因缺少 id_beds 回退为全量拉取
func (d *Dispatcher) Dispatch(ctx context.Context, eventName string, data json.RawMessage) error {
	kind, ok := ParseEventKind(eventName)
	if !ok {
		d.logger.Warn("Unknown event type",
			zap.String("event", eventName),
		)
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventName)
	}

	ev := models.AttentionEvent{Kind: kind, Raw: data}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &ev.Data); err != nil {
			d.logger.Warn("Malformed attention payload, dispatching without data",
				zap.String("event", eventName),
				zap.Error(err),
			)
			ev.Data = models.Attention{}
		}
	}

	return d.Handle(ctx, ev)
}

// Handle 将已解码事件交给 Handler 并记录结果
func (d *Dispatcher) Handle(ctx context.Context, ev models.AttentionEvent) error {
	var (
		outcome models.Outcome
		err     error
	)
	switch ev.Kind {
	case models.EventCreated:
		outcome, err = d.handler.HandleCreated(ctx, ev)
	case models.EventUpdated:
		outcome, err = d.handler.HandleUpdated(ctx, ev)
	case models.EventDeleted:
		outcome, err = d.handler.HandleDeleted(ctx, ev)
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownEvent, ev.Kind)
	}

	d.logger.Info("Processed hospitalization event",
		zap.String("kind", string(ev.Kind)),
		zap.String("bed_id", ev.Data.IDBeds.String()),
		zap.String("attention_id", ev.Data.ID.String()),
		zap.String("outcome", string(outcome)),
	)

	if d.recorder != nil {
		if recErr := d.recorder.RecordEvent(ctx, ev, outcome, err); recErr != nil {
			d.logger.Warn("Failed to record hospitalization event", zap.Error(recErr))
		}
	}

	if err != nil {
		return fmt.Errorf("handle %s event: %w", ev.Kind, err)
	}
	return nil
}
