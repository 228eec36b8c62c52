// Package cleanup は予約日時を過ぎたpending予約の自動キャンセルジョブを提供する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredPendingCanceller は期限切れのpending予約をキャンセルする。
// repository.BookingRepositoryの部分集合。
type ExpiredPendingCanceller interface {
	CancelExpiredPending(ctx context.Context, before time.Time) (int64, error)
}

// ExpiryJob は予約日時を過ぎても割り当てられなかった予約をcancelledにする日次ジョブ。
// 冪等: 対象がない場合でもエラーにならない。
type ExpiryJob struct {
	bookings ExpiredPendingCanceller
	logger   *slog.Logger
	now      func() time.Time
}

// NewExpiryJob は新しいExpiryJobを生成する。
func NewExpiryJob(bookings ExpiredPendingCanceller, logger *slog.Logger) *ExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryJob{
		bookings: bookings,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は予約日時が現在より前のpending予約をキャンセルし、件数を返す。
func (j *ExpiryJob) Run(ctx context.Context) (int64, error) {
	start := j.now()

	cancelled, err := j.bookings.CancelExpiredPending(ctx, start)
	if err != nil {
		j.logger.Error("期限切れ予約のキャンセルに失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("期限切れ予約のキャンセルに失敗: %w", err)
	}

	j.logger.Info("期限切れ予約のキャンセルが完了しました",
		slog.Int64("cancelled_count", cancelled),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return cancelled, nil
}

// Start は起動直後に1回実行し、その後interval間隔で実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *ExpiryJob) Start(ctx context.Context, interval time.Duration) {
	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
