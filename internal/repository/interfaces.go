// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/cleanbook/internal/model"
)

// ErrBookingChanged はIfStatus付きの更新で、予約のステータスが既に変わっていたことを表す。
var ErrBookingChanged = errors.New("booking status changed concurrently")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// ListByRole は指定ロールのユーザーをID昇順で返す。
	ListByRole(ctx context.Context, role model.Role) ([]*model.User, error)
}

// ServiceRepository は清掃サービスカタログの永続化インターフェース。
type ServiceRepository interface {
	// FindByID は指定IDのサービスを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Service, error)

	// ListActive は予約受付中のサービスを名前順で返す。
	ListActive(ctx context.Context) ([]*model.Service, error)
}

// BookingRepository は予約データの永続化インターフェース。
type BookingRepository interface {
	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Booking, error)

	// FindDetailByID はサービス名・顧客名・担当スタッフ名を結合した予約を取得する。
	// 見つからない場合はnilを返す。
	FindDetailByID(ctx context.Context, id int64) (*model.BookingDetail, error)

	// ListByEmployee は指定スタッフに割り当てられた予約をすべて返す。
	ListByEmployee(ctx context.Context, employeeID int64) ([]*model.Booking, error)

	// ListByUser は顧客の予約を新しい順に最大limit件返す。
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Booking, error)

	// ListAll は全予約を新しい順に最大limit件返す。
	ListAll(ctx context.Context, limit int) ([]*model.Booking, error)

	// ListPendingUnassigned はcreatedBefore以前に作成され、予約日時がnotBefore以降で
	// スタッフ未割り当てのpending予約を作成順に返す。
	ListPendingUnassigned(ctx context.Context, createdBefore, notBefore time.Time, limit int) ([]*model.Booking, error)

	// Create は予約を作成し、採番されたIDとタイムスタンプをbookingに設定する。
	Create(ctx context.Context, booking *model.Booking) error

	// Update は予約を部分更新する。nilフィールドは変更しない。
	// update.IfStatusのステータスと一致しない場合はErrBookingChangedを返す。
	Update(ctx context.Context, id int64, update model.BookingUpdate) error

	// TransitionStatus は現在のステータスがfromの場合のみtoへ更新する。
	// 更新できた場合はtrueを返す。
	TransitionStatus(ctx context.Context, id int64, from, to model.BookingStatus) (bool, error)

	// CancelExpiredPending は予約日時がbefore以前のpending予約をcancelledにし、件数を返す。
	CancelExpiredPending(ctx context.Context, before time.Time) (int64, error)
}
