package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LocalBus はプロセス内でイベントを配るPublisher。
// 購読者はそれぞれ別のゴルーチンで、発行元のリクエストとは独立したcontextで呼ばれる。
type LocalBus struct {
	mu       sync.RWMutex
	handlers []BookingCreatedHandler
	timeout  time.Duration
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewLocalBus はLocalBusを生成する。timeoutは購読者1件あたりの処理時間上限。
func NewLocalBus(timeout time.Duration, logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{timeout: timeout, logger: logger}
}

// Subscribe は購読者を追加する。
func (b *LocalBus) Subscribe(h BookingCreatedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// PublishBookingCreated は全購読者へイベントを非同期に配る。常にnilを返す。
func (b *LocalBus) PublishBookingCreated(ctx context.Context, evt BookingCreated) error {
	b.mu.RLock()
	handlers := append([]BookingCreatedHandler(nil), b.handlers...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("予約作成イベントの購読者がいません", slog.Int64("booking_id", evt.BookingID))
		return nil
	}

	// HTTPリクエストの終了でキャンセルされないよう、値だけを引き継ぐ
	base := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h BookingCreatedHandler) {
			defer b.wg.Done()
			hctx, cancel := context.WithTimeout(base, b.timeout)
			defer cancel()
			h.HandleBookingCreated(hctx, evt)
		}(h)
	}
	return nil
}

// Wait は配送中のイベント処理がすべて終わるまで待つ。シャットダウン時に使う。
func (b *LocalBus) Wait() {
	b.wg.Wait()
}

var _ Publisher = (*LocalBus)(nil)
