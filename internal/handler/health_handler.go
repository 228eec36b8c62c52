package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// 依存サービスの疎通確認のタイムアウト
const healthCheckTimeout = 5 * time.Second

// DBPinger はデータベースの疎通確認に必要なインターフェース。*sql.DBが満たす。
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// RedisPinger はRedisの疎通確認に必要なインターフェース。*redis.Clientが満たす。
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// HealthHandler は依存サービスの疎通を確認するヘルスチェックハンドラー。
// Redisを使わない構成ではredisをnilにする。
type HealthHandler struct {
	db    DBPinger
	redis RedisPinger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db DBPinger, redis RedisPinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]healthCheck `json:"checks"`
}

// Health はデータベース（と設定されていればRedis）への疎通を確認する。
// いずれかが応答しない場合は503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:    "UP",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]healthCheck{},
	}

	if h.db == nil || h.db.PingContext(ctx) != nil {
		resp.Checks["database"] = healthCheck{Status: "DOWN", Message: "Cannot connect to database"}
		resp.Status = "DOWN"
	} else {
		resp.Checks["database"] = healthCheck{Status: "UP"}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			resp.Checks["redis"] = healthCheck{Status: "DOWN", Message: "Cannot connect to Redis"}
			resp.Status = "DOWN"
		} else {
			resp.Checks["redis"] = healthCheck{Status: "UP"}
		}
	}

	status := http.StatusOK
	if resp.Status != "UP" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
