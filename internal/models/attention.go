package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Attention 住院（床位占用）记录
// 患者入院分配床位时由后端创建，出院时设置 exit_at；同一时刻最多被一张床引用
type Attention struct {
	ID          ID      `json:"id,omitempty"`
	IDBeds      ID      `json:"id_beds,omitempty"` // 所在床位，对应 Bed.ID
	IDPatient   ID      `json:"id_patient,omitempty"`
	PatientName string  `json:"patient_name,omitempty"`
	EntryAt     *string `json:"entry_at,omitempty"`
	ExitAt      *string `json:"exit_at,omitempty"` // 为空表示仍在院
	Diagnosis   string  `json:"diagnosis,omitempty"`
	UpdatedAt   *string `json:"updated_at,omitempty"`

	// Extra 保留未建模的临床字段，保证局部更新的 payload 原样写回
	Extra map[string]json.RawMessage `json:"-"`
}

var attentionKnownFields = []string{
	"id", "id_beds", "id_patient", "patient_name",
	"entry_at", "exit_at", "diagnosis", "updated_at",
}

type attentionAlias Attention

func (a *Attention) UnmarshalJSON(b []byte) error {
	var base attentionAlias
	if err := json.Unmarshal(b, &base); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range attentionKnownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		base.Extra = all
	}
	*a = Attention(base)
	return nil
}

func (a Attention) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(attentionAlias(a))
	if err != nil || len(a.Extra) == 0 {
		return b, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Discharged 是否已出院（exit_at 已设置）
func (a *Attention) Discharged() bool {
	return a != nil && a.ExitAt != nil && strings.TrimSpace(*a.ExitAt) != ""
}

// UpdatedTime 解析 updated_at，无法解析时返回 false
func (a *Attention) UpdatedTime() (time.Time, bool) {
	if a == nil || a.UpdatedAt == nil {
		return time.Time{}, false
	}
	return ParseTimestamp(*a.UpdatedAt)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp 解析后端时间戳（RFC3339 或 "2006-01-02 15:04:05"）
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
