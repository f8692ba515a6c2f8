package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-hospitalization/common/config"
	"wisefido-hospitalization/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultStatusPath 后端床位状态接口默认路径
const DefaultStatusPath = "/api/hospitalization/status"

// ErrInvalidPayload 后端返回的数据结构无法识别
var ErrInvalidPayload = errors.New("invalid hospitalization status payload")

// StatusClient 医院后端床位状态接口客户端
type StatusClient struct {
	httpClient *resty.Client
	statusPath string
	logger     *zap.Logger
}

// NewStatusClient 创建后端客户端
func NewStatusClient(cfg *config.BackendConfig, logger *zap.Logger) *StatusClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(5*retryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		}).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	statusPath := cfg.StatusPath
	if statusPath == "" {
		statusPath = DefaultStatusPath
	}

	return &StatusClient{
		httpClient: client,
		statusPath: statusPath,
		logger:     logger,
	}
}

// FetchStatus 拉取全量房间/床位/住院快照
// 兼容裸数组和 {"data": [...]} 两种响应格式
func (c *StatusClient) FetchStatus(ctx context.Context) (models.Snapshot, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(c.statusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call hospitalization status API: %w", err)
	}

	if resp.IsError() {
		c.logger.Warn("Hospitalization status API returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("path", c.statusPath),
		)
		return nil, fmt.Errorf("hospitalization status API error: HTTP %d", resp.StatusCode())
	}

	snapshot, err := decodeSnapshot(resp.Body())
	if err != nil {
		c.logger.Error("Failed to decode hospitalization status",
			zap.Error(err),
			zap.Int("body_size", len(resp.Body())),
		)
		return nil, err
	}

	c.logger.Debug("Fetched hospitalization status",
		zap.Int("room_count", len(snapshot)),
		zap.Duration("elapsed", resp.Time()),
	)
	return snapshot, nil
}

func decodeSnapshot(body []byte) (models.Snapshot, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	switch body[0] {
	case '[':
		var snapshot models.Snapshot
		if err := json.Unmarshal(body, &snapshot); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return snapshot, nil
	case '{':
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		data := bytes.TrimSpace(envelope.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, fmt.Errorf("%w: missing data array", ErrInvalidPayload)
		}
		return decodeSnapshot(data)
	default:
		return nil, fmt.Errorf("%w: unexpected body", ErrInvalidPayload)
	}
}
