// Package sweep は割り当てが漏れたpending予約を定期的に拾い直すワーカーを提供する。
// イベントの取りこぼしやスタッフ不在で未割り当てのまま残った予約に対して、
// 割り当て処理を再実行する。
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/cleanbook/internal/model"
)

// 1サイクルで処理する予約の上限
const batchSize = 200

// PendingLister は未割り当てのpending予約を取得する。
type PendingLister interface {
	ListPendingUnassigned(ctx context.Context, createdBefore, notBefore time.Time, limit int) ([]*model.Booking, error)
}

// Assigner は予約1件の割り当てを行う。失敗は内部で処理される。
type Assigner interface {
	AssignBookingToEmployee(ctx context.Context, bookingID int64)
}

// Scheduler は未割り当て予約の再割り当てをスケジューリングし、並列数を制御する。
type Scheduler struct {
	bookings       PendingLister
	assigner       Assigner
	logger         *slog.Logger
	grace          time.Duration
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// graceより新しい予約はイベント経由の割り当てが進行中とみなして対象外にする。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	bookings PendingLister,
	assigner Assigner,
	logger *slog.Logger,
	grace time.Duration,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		bookings:       bookings,
		assigner:       assigner,
		logger:         logger,
		grace:          grace,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start はinterval間隔でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("未割り当て予約の再割り当てを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace", s.grace),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("未割り当て予約の再割り当てを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("再割り当てサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は対象予約を1回取得し、並列で割り当て処理を実行する。処理した件数を返す。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := s.now()

	bookings, err := s.bookings.ListPendingUnassigned(ctx, start.Add(-s.grace), start, batchSize)
	if err != nil {
		return 0, err
	}
	if len(bookings) == 0 {
		s.logger.Debug("再割り当て対象の予約はありません")
		return 0, nil
	}

	s.logger.Info("再割り当てサイクルを開始します", slog.Int("booking_count", len(bookings)))

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	processed := 0

loop:
	for _, b := range bookings {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		processed++
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			s.assigner.AssignBookingToEmployee(ctx, id)
		}(b.ID)
	}

	wg.Wait()

	s.logger.Info("再割り当てサイクルが完了しました",
		slog.Int("booking_count", processed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return processed, nil
}
