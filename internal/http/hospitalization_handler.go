package httpapi

import (
	"context"
	"net/http"

	"wisefido-hospitalization/internal/models"
	"wisefido-hospitalization/internal/store"

	"go.uber.org/zap"
)

// StatusProvider 床位状态缓存（由 store.StatusStore 实现）
type StatusProvider interface {
	State() models.StoreState
	Bed(id models.ID) (models.Bed, bool)
	FetchStatus(ctx context.Context) error
}

// EventLister 事件日志查询
type EventLister interface {
	ListRecent(ctx context.Context, limit int) ([]models.EventRecord, error)
}

// HealthCheck 外部依赖连通性检查，返回 true 表示可用
type HealthCheck func() bool

// HospitalizationHandler 床位状态只读 API
type HospitalizationHandler struct {
	status StatusProvider
	events EventLister
	logger *zap.Logger

	checkNames []string
	checks     map[string]HealthCheck
}

// NewHospitalizationHandler events 可为 nil（未启用事件日志）
func NewHospitalizationHandler(status StatusProvider, events EventLister, logger *zap.Logger) *HospitalizationHandler {
	return &HospitalizationHandler{
		status: status,
		events: events,
		logger: logger,
		checks: make(map[string]HealthCheck),
	}
}

// AddHealthCheck 注册依赖检查，结果出现在 /healthz 的 dependencies 中
// 须在开始服务前调用
func (h *HospitalizationHandler) AddHealthCheck(name string, check HealthCheck) {
	if check == nil {
		return
	}
	if _, exists := h.checks[name]; !exists {
		h.checkNames = append(h.checkNames, name)
	}
	h.checks[name] = check
}

// GetStatus 返回完整缓存状态
func (h *HospitalizationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.status.State()))
}

// GetBed 返回单个床位
func (h *HospitalizationHandler) GetBed(w http.ResponseWriter, r *http.Request, id string) {
	bed, ok := h.status.Bed(models.ID(id))
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("bed not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(bed))
}

// Refresh 触发一次全量拉取
func (h *HospitalizationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.status.FetchStatus(r.Context()); err != nil {
		h.logger.Warn("Manual refresh failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, Fail(store.ErrMsgFetchFailed))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.status.State()))
}

// ListEvents 返回最近的事件处理记录
func (h *HospitalizationHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, Ok([]models.EventRecord{}))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	records, err := h.events.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list hospitalization events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list events"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(records))
}

// Health 存活检查，附带缓存摘要和依赖连通性
// 任一依赖不可用时 status 为 degraded，仍返回 200
func (h *HospitalizationHandler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.status.State()
	status := "healthy"
	deps := make(map[string]string, len(h.checkNames))
	for _, name := range h.checkNames {
		if h.checks[name]() {
			deps[name] = "connected"
			continue
		}
		deps[name] = "disconnected"
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"status":       status,
		"is_loading":   state.IsLoading,
		"last_fetch":   state.LastFetch,
		"rooms":        len(state.Status),
		"error":        state.Error,
		"dependencies": deps,
	}))
}
