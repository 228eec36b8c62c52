// Package events は予約作成イベントの発行と購読を提供する。
// 予約APIは作成後にBookingCreatedを発行するだけで、割り当て処理の成否には関与しない。
package events

import (
	"context"
	"time"
)

// RoutingKeyBookingCreated は予約作成イベントのルーティングキー。
const RoutingKeyBookingCreated = "booking.created"

// BookingCreated は予約が永続化されたことを表すイベント。
type BookingCreated struct {
	BookingID  int64     `json:"bookingId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher は予約作成イベントを発行する。
type Publisher interface {
	PublishBookingCreated(ctx context.Context, evt BookingCreated) error
}

// BookingCreatedHandler は予約作成イベントを受け取る。
// 処理の失敗はハンドラー内で完結させ、呼び出し元へは返さない。
type BookingCreatedHandler interface {
	HandleBookingCreated(ctx context.Context, evt BookingCreated)
}
