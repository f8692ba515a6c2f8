package models

import "time"

// EventRecord 事件日志中的一行（hospitalization_events）
type EventRecord struct {
	EventID     string    `json:"event_id"`
	EventKind   EventKind `json:"event_kind"`
	BedID       string    `json:"bed_id,omitempty"`
	AttentionID string    `json:"attention_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}
