package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-hospitalization/internal/models"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

// ErrMsgFetchFailed 全量拉取失败时写入 StoreState.Error 的固定提示
const ErrMsgFetchFailed = "failed to load hospitalization status"

// StatusFetcher 全量快照数据源（后端 HTTP 接口）
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (models.Snapshot, error)
}

// Option StatusStore 可选配置
type Option func(*StatusStore)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *StatusStore) { s.now = now }
}

// WithStaleUpdateGuard 丢弃 updated_at 早于缓存记录的 updated 事件
// 默认关闭：后到的事件总是覆盖（last write wins）
func WithStaleUpdateGuard() Option {
	return func(s *StatusStore) { s.staleGuard = true }
}

// StatusStore 床位/房间占用状态缓存
// 启动时全量拉取，之后按实时事件原地修补；无法定位修补目标时回退为全量拉取
type StatusStore struct {
	fetcher    StatusFetcher
	logger     *zap.Logger
	now        func() time.Time
	staleGuard bool

	mu        sync.RWMutex
	status    models.Snapshot
	inflight  int
	errMsg    string
	lastFetch *time.Time
	fetched   bool

	obsMu     sync.Mutex
	observers map[uint64]func(models.StoreState)
	nextObsID uint64

	// notifyMu 串行化 读取状态+回调，保证观察者按变化顺序收到状态
	notifyMu sync.Mutex
}

// NewStatusStore 创建状态缓存（初始为空快照）
func NewStatusStore(fetcher StatusFetcher, logger *zap.Logger, opts ...Option) *StatusStore {
	s := &StatusStore{
		fetcher:   fetcher,
		logger:    logger,
		now:       time.Now,
		status:    models.Snapshot{},
		observers: make(map[uint64]func(models.StoreState)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchStatus 全量拉取快照并整体替换缓存
// 失败时保留上一次成功的快照并设置固定错误信息；任何退出路径都会释放 loading 标记
func (s *StatusStore) FetchStatus(ctx context.Context) error {
	s.mu.Lock()
	s.inflight++
	s.errMsg = ""
	s.mu.Unlock()

	released := false
	defer func() {
		if !released {
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
		}
	}()

	snapshot, err := s.fetcher.FetchStatus(ctx)
	if err == nil {
		if snapshot == nil {
			snapshot = models.Snapshot{}
		}
		snapshot.Normalize()
	}

	s.mu.Lock()
	s.inflight--
	released = true
	if err != nil {
		s.errMsg = ErrMsgFetchFailed
	} else {
		now := s.now()
		s.status = snapshot
		s.lastFetch = &now
		s.fetched = true
	}
	s.mu.Unlock()

	s.notify()

	if err != nil {
		s.logger.Error("Failed to fetch hospitalization status", zap.Error(err))
		return fmt.Errorf("fetch hospitalization status: %w", err)
	}

	s.logger.Debug("Hospitalization status refreshed",
		zap.Int("room_count", len(snapshot)),
	)
	return nil
}

// HandleCreated 新建住院记录可能改变房间/床位结构，总是全量拉取
func (s *StatusStore) HandleCreated(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error) {
	s.logger.Debug("Attention created, refetching status",
		zap.String("attention_id", ev.Data.ID.String()),
	)
	return s.refetch(ctx)
}

// HandleDeleted 同 HandleCreated
func (s *StatusStore) HandleDeleted(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error) {
	s.logger.Debug("Attention deleted, refetching status",
		zap.String("attention_id", ev.Data.ID.String()),
	)
	return s.refetch(ctx)
}

// HandleUpdated 按 id_beds 原地更新床位的住院记录并重新计算床位状态
// 缺少 id_beds 或缓存中找不到该床位时回退为全量拉取
func (s *StatusStore) HandleUpdated(ctx context.Context, ev models.AttentionEvent) (models.Outcome, error) {
	bedID := ev.Data.IDBeds
	if bedID == "" {
		s.logger.Debug("Attention update without id_beds, refetching status",
			zap.String("attention_id", ev.Data.ID.String()),
		)
		return s.refetch(ctx)
	}

	payload, err := cloneAttention(&ev.Data)
	if err != nil {
		return models.OutcomeFailed, err
	}

	s.mu.Lock()
	bed := s.status.FindBed(bedID)
	if bed == nil {
		s.mu.Unlock()
		s.logger.Debug("Bed not found in cached status, refetching",
			zap.String("bed_id", bedID.String()),
		)
		return s.refetch(ctx)
	}
	if s.staleGuard && isStale(bed.Attention, payload) {
		s.mu.Unlock()
		s.logger.Info("Dropping stale attention update",
			zap.String("bed_id", bedID.String()),
			zap.String("attention_id", payload.ID.String()),
		)
		return models.OutcomeIgnored, nil
	}
	bed.Attention = payload
	bed.Status = models.BedStatusFor(payload)
	status := bed.Status
	s.mu.Unlock()

	s.notify()

	s.logger.Debug("Patched bed attention",
		zap.String("bed_id", bedID.String()),
		zap.String("status", string(status)),
	)
	return models.OutcomePatched, nil
}

func (s *StatusStore) refetch(ctx context.Context) (models.Outcome, error) {
	if err := s.FetchStatus(ctx); err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeRefetched, nil
}

// Seed 用最近一次已知快照（如 Redis 镜像）预热缓存
// 已经成功拉取过后端数据时忽略
func (s *StatusStore) Seed(snapshot models.Snapshot, lastFetch *time.Time) bool {
	if snapshot == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetched {
		return false
	}
	snapshot.Normalize()
	s.status = snapshot
	s.lastFetch = lastFetch
	return true
}

// State 返回当前状态的深拷贝，调用方修改不会影响缓存
func (s *StatusStore) State() models.StoreState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := models.StoreState{
		Status:    s.cloneStatus(),
		IsLoading: s.inflight > 0,
		Error:     s.errMsg,
	}
	if s.lastFetch != nil {
		t := *s.lastFetch
		state.LastFetch = &t
	}
	return state
}

// Bed 按 id 查找床位（返回拷贝）
func (s *StatusStore) Bed(id models.ID) (models.Bed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bed := s.status.FindBed(id)
	if bed == nil {
		return models.Bed{}, false
	}
	out := *bed
	if bed.Attention != nil {
		a, err := cloneAttention(bed.Attention)
		if err != nil {
			return models.Bed{}, false
		}
		out.Attention = a
	}
	return out, true
}

// IsLoading 是否有全量拉取正在进行
func (s *StatusStore) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Subscribe 注册状态变化观察者，返回取消函数
// 观察者在触发变化的 goroutine 中同步、串行调用，最后一次回调总是携带最终状态
// 观察者内不得调用 FetchStatus/Handle*，否则会死锁
func (s *StatusStore) Subscribe(fn func(models.StoreState)) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *StatusStore) notify() {
	s.obsMu.Lock()
	if len(s.observers) == 0 {
		s.obsMu.Unlock()
		return
	}
	fns := make([]func(models.StoreState), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	state := s.State()
	for _, fn := range fns {
		fn(state)
	}
}

// cloneStatus 调用方需持有读锁
func (s *StatusStore) cloneStatus() models.Snapshot {
	var out models.Snapshot
	if err := deepcopy.Copy(&out, s.status); err != nil {
		s.logger.Warn("deepcopy of status failed, falling back to json", zap.Error(err))
		b, mErr := json.Marshal(s.status)
		if mErr != nil || json.Unmarshal(b, &out) != nil {
			return models.Snapshot{}
		}
	}
	if out == nil {
		out = models.Snapshot{}
	}
	return out
}

func cloneAttention(a *models.Attention) (*models.Attention, error) {
	var out models.Attention
	if err := deepcopy.Copy(&out, *a); err != nil {
		return nil, fmt.Errorf("copy attention: %w", err)
	}
	return &out, nil
}

// isStale 同一住院记录的更新时间早于缓存时视为过期；缺少可比较的时间时不拦截
func isStale(cached, incoming *models.Attention) bool {
	if cached == nil || incoming == nil {
		return false
	}
	if cached.ID == "" || cached.ID != incoming.ID {
		return false
	}
	prev, ok := cached.UpdatedTime()
	if !ok {
		return false
	}
	next, ok := incoming.UpdatedTime()
	if !ok {
		return false
	}
	return next.Before(prev)
}
