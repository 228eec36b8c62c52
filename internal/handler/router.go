package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/cleanbook/internal/metrics"
	"github.com/hitoshi/cleanbook/internal/middleware"
	"github.com/hitoshi/cleanbook/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// Gathererがnilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer

	// ミドルウェア依存
	Tokens            middleware.TokenParser
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	Health *HealthHandler

	// リアルタイム通知
	WSPath    string
	WSHandler http.Handler

	BookingService BookingServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Auth → RateLimit(General)
//
// /health、/metrics、WebSocketは認証の外に配置する。
// WebSocketは接続時のトークンで利用者を識別し、トークンがなければ匿名接続として扱う。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	// プリフライトはルーティング前に応答する必要があるため最上位に適用する
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---
	if deps.Health != nil {
		r.Get("/health", deps.Health.Health)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	if deps.WSHandler != nil {
		path := deps.WSPath
		if path == "" {
			path = "/ws"
		}
		r.Handle(path, deps.WSHandler)
	}

	bookingHandler := NewBookingHandler(deps.BookingService)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Tokens))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/services", bookingHandler.ListServices)

		r.Route("/api/bookings", func(r chi.Router) {
			// POST /api/bookings - 予約作成（作成専用レート制限を追加）
			r.With(deps.RateLimiter.BookingMiddleware()).Post("/", bookingHandler.CreateBooking)
			r.Get("/", bookingHandler.ListBookings)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", bookingHandler.GetBooking)
				r.Patch("/status", bookingHandler.UpdateStatus)
			})
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Post("/bookings/{id}/assign", bookingHandler.AssignBooking)
		})
	})

	return r
}
