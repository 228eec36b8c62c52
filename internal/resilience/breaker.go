// Package resilience は外部依存（DB・メッセージブローカー）の呼び出しを保護するサーキットブレーカーを提供する。
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// 連続失敗がこの回数に達するとブレーカーを開く。
const consecutiveFailuresToTrip = 3

// NewCircuitBreaker は標準設定のサーキットブレーカーを生成する。
// timeoutはオープン状態からハーフオープンへ移行するまでの待機時間。
// 呼び出し元のcontextキャンセルは失敗として数えない。
func NewCircuitBreaker(name string, timeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailuresToTrip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// IsOpen はエラーがブレーカー開放による拒否かどうかを返す。
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
