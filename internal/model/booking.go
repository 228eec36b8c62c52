package model

import "time"

// BookingStatus は予約のライフサイクル状態を表す。
type BookingStatus string

const (
	// BookingStatusPending は作成直後でスタッフ未割り当ての状態。
	BookingStatusPending BookingStatus = "pending"
	// BookingStatusConfirmed はスタッフが割り当てられた状態。
	BookingStatusConfirmed BookingStatus = "confirmed"
	// BookingStatusInProgress は作業中の状態。
	BookingStatusInProgress BookingStatus = "in_progress"
	// BookingStatusCompleted は作業完了の状態。
	BookingStatusCompleted BookingStatus = "completed"
	// BookingStatusCancelled はキャンセル済みの状態。
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Valid はステータスが定義済みの値かどうかを返す。
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusInProgress,
		BookingStatusCompleted, BookingStatusCancelled:
		return true
	}
	return false
}

// IsActiveCommitment はスタッフの稼働として数えるステータスかどうかを返す。
// confirmedとin_progressのみが当日の作業量に含まれる。
func (s BookingStatus) IsActiveCommitment() bool {
	return s == BookingStatusConfirmed || s == BookingStatusInProgress
}

// Booking は顧客の清掃サービス予約を表す。
// EmployeeIDはpendingの間はnilで、割り当て時にStatusがconfirmedへ遷移すると同時に設定される。
type Booking struct {
	ID            int64
	UserID        int64
	ServiceID     int64
	EmployeeID    *int64
	ScheduledDate time.Time
	Status        BookingStatus
	Address       string
	City          string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BookingDetail は予約に通知・表示用の関連情報を結合したモデル。
type BookingDetail struct {
	Booking
	ServiceName  string
	CustomerName string
	EmployeeName string
}

// BookingUpdate は予約の部分更新を表す。nilフィールドは変更しない。
// IfStatusを指定した場合は、現在のステータスが一致するときだけ更新する。
type BookingUpdate struct {
	EmployeeID *int64
	Status     *BookingStatus
	IfStatus   *BookingStatus
}
