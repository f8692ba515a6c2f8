package models

import "encoding/json"

// EventKind 实时通道事件类型
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// AttentionEvent 实时通道推送的住院记录事件
// updated 事件的 Data 可能只包含部分字段
type AttentionEvent struct {
	Kind EventKind       `json:"kind"`
	Data Attention       `json:"data"`
	Raw  json.RawMessage `json:"-"`
}

// Outcome 事件处理结果（写入事件日志）
type Outcome string

const (
	OutcomePatched   Outcome = "patched"   // 原地更新缓存
	OutcomeRefetched Outcome = "refetched" // 全量重新拉取
	OutcomeIgnored   Outcome = "ignored"   // 过期更新被丢弃
	OutcomeFailed    Outcome = "failed"
)
