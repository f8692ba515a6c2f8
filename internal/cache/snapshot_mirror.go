package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-hospitalization/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultMirrorKey 快照镜像的 Redis key
	DefaultMirrorKey = "hospitalization:status:full"
	// DefaultMirrorTTL 快照镜像默认过期时间
	DefaultMirrorTTL = 10 * time.Minute

	writeTimeout = 2 * time.Second
)

// StateSource 可被镜像的状态源（由 store.StatusStore 实现）
type StateSource interface {
	Subscribe(fn func(models.StoreState)) func()
}

// SnapshotMirror 将缓存状态镜像到 Redis，重启时用于预热
type SnapshotMirror struct {
	kv     KVStore
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotMirror 创建快照镜像，key/ttl 为空时使用默认值
func NewSnapshotMirror(kv KVStore, key string, ttl time.Duration, logger *zap.Logger) *SnapshotMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &SnapshotMirror{
		kv:     kv,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Key 返回镜像使用的 Redis key
func (m *SnapshotMirror) Key() string {
	return m.key
}

// Write 写入状态
// 从未成功拉取且没有数据的状态不写入，避免覆盖上一次的有效镜像
func (m *SnapshotMirror) Write(ctx context.Context, state models.StoreState) error {
	if state.LastFetch == nil && len(state.Status) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal store state: %w", err)
	}

	if err := m.kv.Set(ctx, m.key, string(jsonData), m.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	m.logger.Debug("Updated hospitalization status mirror",
		zap.String("key", m.key),
		zap.Int("room_count", len(state.Status)),
	)
	return nil
}

// Load 读取镜像，不存在时返回 ErrCacheMiss
func (m *SnapshotMirror) Load(ctx context.Context) (models.StoreState, error) {
	raw, err := m.kv.Get(ctx, m.key)
	if err != nil {
		return models.StoreState{}, err
	}

	var state models.StoreState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.StoreState{}, fmt.Errorf("failed to unmarshal store state: %w", err)
	}
	state.IsLoading = false
	return state, nil
}

// Clear 删除镜像
func (m *SnapshotMirror) Clear(ctx context.Context) error {
	return m.kv.Del(ctx, m.key)
}

// Attach 订阅状态源，每次变化后写入镜像，返回取消函数
func (m *SnapshotMirror) Attach(src StateSource) func() {
	return src.Subscribe(func(state models.StoreState) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := m.Write(ctx, state); err != nil {
			m.logger.Warn("Failed to write hospitalization status mirror", zap.Error(err))
		}
	})
}

// Seeder 可用镜像预热的目标（由 store.StatusStore 实现）
type Seeder interface {
	Seed(snapshot models.Snapshot, lastFetch *time.Time) bool
}

// WarmUp 读取镜像并预热目标，返回是否已预热
// 无法解析的镜像会被删除，等待下一次成功拉取后重新写入
func (m *SnapshotMirror) WarmUp(ctx context.Context, dst Seeder) bool {
	state, err := m.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false
		}
		m.logger.Warn("Failed to load hospitalization status mirror", zap.String("key", m.key), zap.Error(err))
		if clearErr := m.Clear(ctx); clearErr != nil {
			m.logger.Warn("Failed to clear hospitalization status mirror", zap.String("key", m.key), zap.Error(clearErr))
		}
		return false
	}

	seeded := dst.Seed(state.Status, state.LastFetch)
	if seeded {
		m.logger.Info("Warmed hospitalization status from mirror",
			zap.String("key", m.key),
			zap.Int("room_count", len(state.Status)),
		)
	}
	return seeded
}
