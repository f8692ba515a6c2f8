package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const statusPrefix = "/api/v1/hospitalization"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHospitalizationRoutes 注册床位状态相关路由
func (r *Router) RegisterHospitalizationRoutes(h *HospitalizationHandler) {
	r.Handle(statusPrefix+"/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetStatus(w, req)
	})

	// status/beds/{id}
	r.Handle(statusPrefix+"/status/beds/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, statusPrefix+"/status/beds/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetBed(w, req, id)
	})

	r.Handle(statusPrefix+"/refresh", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Refresh(w, req)
	})

	r.Handle(statusPrefix+"/events", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListEvents(w, req)
	})

	r.Handle("/healthz", h.Health)
}
