// Package assignment は新規予約に当日の作業量が最も少ないスタッフを割り当てる。
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/cleanbook/internal/events"
	"github.com/hitoshi/cleanbook/internal/metrics"
	"github.com/hitoshi/cleanbook/internal/model"
	"github.com/hitoshi/cleanbook/internal/realtime"
	"github.com/hitoshi/cleanbook/internal/repository"
)

// Selector は予約のスタッフ自動割り当てを行う。
// 失敗はすべてログに記録して吸収し、呼び出し元へはエラーを返さない。
type Selector struct {
	bookings repository.BookingRepository
	users    repository.UserRepository
	notifier realtime.Notifier
	metrics  metrics.MetricsCollector
	location *time.Location
	logger   *slog.Logger
}

// NewSelector はSelectorを生成する。locationは「同じ日」を判定するタイムゾーン。
func NewSelector(
	bookings repository.BookingRepository,
	users repository.UserRepository,
	notifier realtime.Notifier,
	m metrics.MetricsCollector,
	location *time.Location,
	logger *slog.Logger,
) *Selector {
	if m == nil {
		m = metrics.Nop{}
	}
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		bookings: bookings,
		users:    users,
		notifier: notifier,
		metrics:  m,
		location: location,
		logger:   logger,
	}
}

// Result は割り当て1件の結果。Employeeは割り当てなかった場合nil。
type Result struct {
	Outcome  string
	Employee *model.User
}

// AssignBookingToEmployee は予約にスタッフを割り当て、スタッフと顧客へ通知する。
func (s *Selector) AssignBookingToEmployee(ctx context.Context, bookingID int64) {
	_ = s.Assign(ctx, bookingID)
}

// HandleBookingCreated は予約作成イベントを受けて割り当てを行う。
func (s *Selector) HandleBookingCreated(ctx context.Context, evt events.BookingCreated) {
	s.AssignBookingToEmployee(ctx, evt.BookingID)
}

// Assign は割り当てを行い、結果を返す。管理者の手動再割り当てから使う。
func (s *Selector) Assign(ctx context.Context, bookingID int64) (result Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("割り当て処理でパニックが発生しました",
				slog.Int64("booking_id", bookingID),
				slog.String("panic", fmt.Sprint(rec)),
			)
			result = Result{Outcome: metrics.OutcomeFailed}
		}
		s.metrics.RecordAssignment(result.Outcome)
		s.metrics.RecordAssignmentLatency(time.Since(start))
	}()

	booking, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		s.logger.Error("割り当て対象の予約を取得できません",
			slog.Int64("booking_id", bookingID),
			slog.String("error", err.Error()),
		)
		return Result{Outcome: metrics.OutcomeFailed}
	}
	if booking == nil {
		s.logger.Info("割り当て対象の予約が存在しません", slog.Int64("booking_id", bookingID))
		return Result{Outcome: metrics.OutcomeSkipped}
	}

	employees, err := s.users.ListByRole(ctx, model.RoleEmployee)
	if err != nil {
		s.logger.Error("スタッフ一覧を取得できません",
			slog.Int64("booking_id", bookingID),
			slog.String("error", err.Error()),
		)
		return Result{Outcome: metrics.OutcomeFailed}
	}
	if len(employees) == 0 {
		s.logger.Warn("スタッフが登録されていないため予約は未割り当てのままです", slog.Int64("booking_id", bookingID))
		return Result{Outcome: metrics.OutcomeSkipped}
	}

	selected, fallback := s.pickEmployee(ctx, booking, employees)

	// 読み取り後に他の操作（キャンセル等）でステータスが変わっていたら上書きしない
	status := model.BookingStatusConfirmed
	observed := booking.Status
	err = s.bookings.Update(ctx, booking.ID, model.BookingUpdate{
		EmployeeID: &selected.ID,
		Status:     &status,
		IfStatus:   &observed,
	})
	if errors.Is(err, repository.ErrBookingChanged) {
		s.logger.Info("予約のステータスが他の操作で変更されたため割り当てを中止しました",
			slog.Int64("booking_id", booking.ID),
			slog.String("observed_status", string(observed)),
		)
		return Result{Outcome: metrics.OutcomeSkipped}
	}
	if err != nil {
		s.logger.Error("予約へのスタッフ割り当てを保存できません",
			slog.Int64("booking_id", booking.ID),
			slog.Int64("employee_id", selected.ID),
			slog.String("error", err.Error()),
		)
		return Result{Outcome: metrics.OutcomeFailed}
	}

	outcome := metrics.OutcomeAssigned
	if fallback {
		outcome = metrics.OutcomeFallback
	}
	s.logger.Info("予約にスタッフを割り当てました",
		slog.Int64("booking_id", booking.ID),
		slog.Int64("employee_id", selected.ID),
		slog.String("outcome", outcome),
	)

	s.notify(ctx, booking, selected)
	return Result{Outcome: outcome, Employee: selected}
}

// workload はスタッフ1人分の当日の稼働状況。
type workload struct {
	employee *model.User
	count    int
	latest   time.Time // 当日の稼働のうち最も遅い予約日時。なければゼロ値
}

// pickEmployee は当日の稼働件数が最少のスタッフを選ぶ。件数が同じ場合は最後の稼働が早いスタッフを優先する。
// 予約の取得に失敗した場合や作業量の計算中にパニックした場合は先頭のスタッフを返し、fallbackをtrueにする。
func (s *Selector) pickEmployee(ctx context.Context, booking *model.Booking, employees []*model.User) (selected *model.User, fallback bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("作業量の計算でパニックが発生したため先頭のスタッフを割り当てます",
				slog.Int64("booking_id", booking.ID),
				slog.String("panic", fmt.Sprint(rec)),
			)
			selected, fallback = employees[0], true
		}
	}()

	dayStart, dayEnd := dayWindow(booking.ScheduledDate, s.location)

	loads := make([]workload, 0, len(employees))
	for _, e := range employees {
		list, err := s.bookings.ListByEmployee(ctx, e.ID)
		if err != nil {
			s.logger.Warn("スタッフの予約を取得できないため先頭のスタッフを割り当てます",
				slog.Int64("booking_id", booking.ID),
				slog.Int64("employee_id", e.ID),
				slog.String("error", err.Error()),
			)
			return employees[0], true
		}
		loads = append(loads, computeWorkload(e, list, dayStart, dayEnd))
	}

	sort.SliceStable(loads, func(i, j int) bool {
		if loads[i].count != loads[j].count {
			return loads[i].count < loads[j].count
		}
		return loads[i].latest.Before(loads[j].latest)
	})
	return loads[0].employee, false
}

// computeWorkload は期間内の稼働中（confirmed・in_progress）の予約を数える。
// 再割り当て時は割り当て対象の予約自身も現担当者の稼働として数える。
func computeWorkload(e *model.User, bookings []*model.Booking, dayStart, dayEnd time.Time) workload {
	w := workload{employee: e}
	for _, b := range bookings {
		if !b.Status.IsActiveCommitment() {
			continue
		}
		if b.ScheduledDate.Before(dayStart) || b.ScheduledDate.After(dayEnd) {
			continue
		}
		w.count++
		if b.ScheduledDate.After(w.latest) {
			w.latest = b.ScheduledDate
		}
	}
	return w
}

// dayWindow はtの属する日（locのタイムゾーン）の0:00:00.000と23:59:59.999を返す。
func dayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end
}

// notify は担当スタッフにbooking_assignmentを、顧客にbooking_updateを送る。
func (s *Selector) notify(ctx context.Context, booking *model.Booking, employee *model.User) {
	details := realtime.BookingDetails{
		ScheduledDate: booking.ScheduledDate,
		Address:       booking.Address,
		City:          booking.City,
	}
	detail, err := s.bookings.FindDetailByID(ctx, booking.ID)
	if err != nil {
		s.logger.Warn("通知用の予約詳細を取得できません",
			slog.Int64("booking_id", booking.ID),
			slog.String("error", err.Error()),
		)
	} else if detail != nil {
		details.Service = detail.ServiceName
	}

	s.notifier.SendToEmployee(ctx, employee.ID, realtime.NewBookingAssignmentMessage(
		booking.ID,
		"新しい予約が割り当てられました。",
		details,
	))
	s.notifier.SendToUser(ctx, booking.UserID, realtime.NewBookingUpdateMessage(
		booking.ID,
		fmt.Sprintf("ご予約の担当スタッフが%sに決まりました。", employee.Name),
		employee.Name,
	))
}

var (
	_ realtime.Assigner            = (*Selector)(nil)
	_ events.BookingCreatedHandler = (*Selector)(nil)
)
