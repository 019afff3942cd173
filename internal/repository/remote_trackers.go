package repository

import (
	"context"
	"fmt"
	"time"

	"plantops-data/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// remoteLayoutResult 布局导入服务的响应（平台统一 Result 包装）
type remoteLayoutResult struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Result  siteLayout `json:"result"`
}

// RemoteTrackersRepo 通过 HTTP 从布局导入服务获取 tracker 布局
type RemoteTrackersRepo struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRemoteTrackersRepo baseURL 例如 http://layout-import:8080
func NewRemoteTrackersRepo(baseURL string, logger *zap.Logger) *RemoteTrackersRepo {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")

	return &RemoteTrackersRepo{httpClient: client, logger: logger}
}

var _ TrackersRepository = (*RemoteTrackersRepo)(nil)

func (r *RemoteTrackersRepo) ListTrackers(ctx context.Context, tenantID string) ([]domain.TrackerUnit, error) {
	var out remoteLayoutResult
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetQueryParam("tenant_id", tenantID).
		SetHeader("X-Tenant-Id", tenantID).
		SetResult(&out).
		Get("/layout/api/v1/trackers")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tracker layout: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("layout service returned HTTP %d", resp.StatusCode())
	}
	if out.Code != 2000 {
		return nil, fmt.Errorf("layout service error: code=%d message=%s", out.Code, out.Message)
	}

	r.logger.Debug("Fetched tracker layout",
		zap.String("tenant_id", tenantID),
		zap.Int("tracker_count", len(out.Result.Trackers)),
	)
	return withOfficeMarker(out.Result.Trackers, out.Result.Office), nil
}
