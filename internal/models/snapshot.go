package models

import "time"

// BedStatus 床位状态
type BedStatus string

const (
	BedStatusFree     BedStatus = "free"
	BedStatusOccupied BedStatus = "occupied"
)

// BedStatusFor 由住院记录推导床位状态
// occupied 当且仅当存在住院记录且 exit_at 未设置
func BedStatusFor(a *Attention) BedStatus {
	if a != nil && !a.Discharged() {
		return BedStatusOccupied
	}
	return BedStatusFree
}

// Bed 床位
type Bed struct {
	ID        ID         `json:"id"`
	Name      string     `json:"name,omitempty"`
	Status    BedStatus  `json:"status"`
	Attention *Attention `json:"attention"`
}

// Room 房间，独占其床位列表
type Room struct {
	ID    ID     `json:"id"`
	Name  string `json:"name,omitempty"`
	Floor string `json:"floor,omitempty"`
	Beds  []Bed  `json:"beds"`
}

// Snapshot 某一时刻后端返回的全部房间/床位/住院状态
type Snapshot []Room

// Normalize 按住院记录重新推导每张床的状态
func (s Snapshot) Normalize() {
	for i := range s {
		for j := range s[i].Beds {
			bed := &s[i].Beds[j]
			bed.Status = BedStatusFor(bed.Attention)
		}
	}
}

// FindBed 线性扫描查找床位，返回可原地修改的指针
// 医院床位数量有限，不维护索引
func (s Snapshot) FindBed(id ID) *Bed {
	if id == "" {
		return nil
	}
	for i := range s {
		for j := range s[i].Beds {
			if s[i].Beds[j].ID == id {
				return &s[i].Beds[j]
			}
		}
	}
	return nil
}

// StoreState 状态缓存对外可见的状态
type StoreState struct {
	Status    Snapshot   `json:"status"`
	IsLoading bool       `json:"is_loading"`
	Error     string     `json:"error,omitempty"`
	LastFetch *time.Time `json:"last_fetch,omitempty"`
}
