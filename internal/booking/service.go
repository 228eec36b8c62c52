// Package booking は予約の作成・参照・ステータス変更のドメインロジックを提供する。
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/cleanbook/internal/assignment"
	"github.com/hitoshi/cleanbook/internal/auth"
	"github.com/hitoshi/cleanbook/internal/events"
	"github.com/hitoshi/cleanbook/internal/model"
	"github.com/hitoshi/cleanbook/internal/realtime"
	"github.com/hitoshi/cleanbook/internal/repository"
	"github.com/hitoshi/cleanbook/internal/security"
)

// 一覧取得の最大件数
const listLimit = 100

// 自由記述の最大文字数
const (
	maxAddressRunes = 255
	maxCityRunes    = 100
	maxNotesRunes   = 2000
)

// CreateInput は予約作成の入力。
type CreateInput struct {
	ServiceID     int64
	ScheduledDate time.Time
	Address       string
	City          string
	Notes         string
}

// Assigner は管理者の手動割り当てで使う割り当て処理。
type Assigner interface {
	Assign(ctx context.Context, bookingID int64) assignment.Result
}

// Service は予約のサービス層。
type Service struct {
	bookings  repository.BookingRepository
	services  repository.ServiceRepository
	publisher events.Publisher
	notifier  realtime.Notifier
	assigner  Assigner
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	bookings repository.BookingRepository,
	services repository.ServiceRepository,
	publisher events.Publisher,
	notifier realtime.Notifier,
	assigner Assigner,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bookings:  bookings,
		services:  services,
		publisher: publisher,
		notifier:  notifier,
		assigner:  assigner,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// ListServices は予約受付中のサービス一覧を返す。
func (s *Service) ListServices(ctx context.Context) ([]*model.Service, error) {
	services, err := s.services.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("サービス一覧の取得に失敗しました: %w", err)
	}
	return services, nil
}

// Create はpendingの予約を作成し、予約作成イベントを発行する。
// イベントの発行に失敗しても予約は作成済みとして返す。未割り当ての予約はワーカーが拾い直す。
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (*model.Booking, error) {
	if p.Role != model.RoleCustomer {
		return nil, model.NewForbiddenError()
	}
	if in.ServiceID <= 0 {
		return nil, model.NewInvalidRequestError("serviceId")
	}

	svc, err := s.services.FindByID(ctx, in.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	if svc == nil || !svc.Active {
		return nil, model.NewServiceNotFoundError(in.ServiceID)
	}

	if !in.ScheduledDate.After(s.now()) {
		return nil, model.NewInvalidScheduleError()
	}

	address := s.sanitizer.Sanitize(in.Address, maxAddressRunes)
	if address == "" {
		return nil, model.NewInvalidRequestError("address")
	}
	city := s.sanitizer.Sanitize(in.City, maxCityRunes)
	if city == "" {
		return nil, model.NewInvalidRequestError("city")
	}

	b := &model.Booking{
		UserID:        p.UserID,
		ServiceID:     svc.ID,
		ScheduledDate: in.ScheduledDate,
		Status:        model.BookingStatusPending,
		Address:       address,
		City:          city,
		Notes:         s.sanitizer.Sanitize(in.Notes, maxNotesRunes),
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("予約の作成に失敗しました: %w", err)
	}

	s.logger.Info("予約を作成しました",
		slog.Int64("booking_id", b.ID),
		slog.Int64("user_id", p.UserID),
		slog.Int64("service_id", svc.ID),
	)

	if err := s.publisher.PublishBookingCreated(ctx, events.BookingCreated{
		BookingID:  b.ID,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.Error("予約作成イベントの発行に失敗しました",
			slog.Int64("booking_id", b.ID),
			slog.String("error", err.Error()),
		)
	}

	return b, nil
}

// List はロールに応じた予約一覧を返す。
// 顧客は自分の予約、スタッフは担当予約、管理者は全予約。
func (s *Service) List(ctx context.Context, p auth.Principal) ([]*model.Booking, error) {
	var (
		list []*model.Booking
		err  error
	)
	switch p.Role {
	case model.RoleCustomer:
		list, err = s.bookings.ListByUser(ctx, p.UserID, listLimit)
	case model.RoleEmployee:
		list, err = s.bookings.ListByEmployee(ctx, p.UserID)
	case model.RoleAdmin:
		list, err = s.bookings.ListAll(ctx, listLimit)
	default:
		return nil, model.NewForbiddenError()
	}
	if err != nil {
		return nil, fmt.Errorf("予約一覧の取得に失敗しました: %w", err)
	}
	if list == nil {
		list = []*model.Booking{}
	}
	return list, nil
}

// Get は予約詳細を返す。閲覧できない予約は存在しないものとして扱う。
func (s *Service) Get(ctx context.Context, p auth.Principal, bookingID int64) (*model.BookingDetail, error) {
	detail, err := s.bookings.FindDetailByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	if detail == nil || !canView(p, &detail.Booking) {
		return nil, model.NewBookingNotFoundError(bookingID)
	}
	return detail, nil
}

// UpdateStatus は予約のステータスを変更し、顧客へbooking_updateを送る。
//
// 許可される遷移:
//   - confirmed → in_progress, in_progress → completed（担当スタッフまたは管理者）
//   - pending|confirmed → cancelled（予約した顧客または管理者）
func (s *Service) UpdateStatus(ctx context.Context, p auth.Principal, bookingID int64, status string) (*model.BookingDetail, error) {
	to := model.BookingStatus(status)
	if !to.Valid() || to == model.BookingStatusPending || to == model.BookingStatusConfirmed {
		return nil, model.NewInvalidStatusError(status)
	}

	b, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	if b == nil || !canView(p, b) {
		return nil, model.NewBookingNotFoundError(bookingID)
	}
	if !canTransition(p, b, to) {
		return nil, model.NewForbiddenError()
	}
	if !allowedFrom(b.Status, to) {
		return nil, model.NewInvalidStatusTransitionError(b.Status, to)
	}

	ok, err := s.bookings.TransitionStatus(ctx, bookingID, b.Status, to)
	if err != nil {
		return nil, fmt.Errorf("予約ステータスの更新に失敗しました: %w", err)
	}
	if !ok {
		// 読み込み後に別のリクエストがステータスを変更した
		return nil, model.NewInvalidStatusTransitionError(b.Status, to)
	}

	s.logger.Info("予約ステータスを変更しました",
		slog.Int64("booking_id", bookingID),
		slog.Int64("user_id", p.UserID),
		slog.String("from", string(b.Status)),
		slog.String("to", string(to)),
	)

	detail, err := s.bookings.FindDetailByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("予約の再取得に失敗しました: %w", err)
	}
	if detail == nil {
		return nil, model.NewBookingNotFoundError(bookingID)
	}

	msg := realtime.NewBookingUpdateMessage(bookingID, statusMessage(to), detail.EmployeeName)
	msg.Status = string(to)
	s.notifier.SendToUser(ctx, detail.UserID, msg)

	return detail, nil
}

// Assign は管理者の操作で割り当て処理を同期実行し、実行後の予約を返す。
func (s *Service) Assign(ctx context.Context, p auth.Principal, bookingID int64) (*model.BookingDetail, string, error) {
	if p.Role != model.RoleAdmin {
		return nil, "", model.NewForbiddenError()
	}

	b, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, "", fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	if b == nil {
		return nil, "", model.NewBookingNotFoundError(bookingID)
	}

	result := s.assigner.Assign(ctx, bookingID)

	detail, err := s.bookings.FindDetailByID(ctx, bookingID)
	if err != nil {
		return nil, "", fmt.Errorf("予約の再取得に失敗しました: %w", err)
	}
	if detail == nil {
		return nil, "", model.NewBookingNotFoundError(bookingID)
	}
	return detail, result.Outcome, nil
}

func canView(p auth.Principal, b *model.Booking) bool {
	switch p.Role {
	case model.RoleAdmin:
		return true
	case model.RoleEmployee:
		return b.EmployeeID != nil && *b.EmployeeID == p.UserID
	case model.RoleCustomer:
		return b.UserID == p.UserID
	}
	return false
}

func canTransition(p auth.Principal, b *model.Booking, to model.BookingStatus) bool {
	if p.Role == model.RoleAdmin {
		return true
	}
	if to == model.BookingStatusCancelled {
		return p.Role == model.RoleCustomer && b.UserID == p.UserID
	}
	return p.Role == model.RoleEmployee && b.EmployeeID != nil && *b.EmployeeID == p.UserID
}

func allowedFrom(from, to model.BookingStatus) bool {
	switch to {
	case model.BookingStatusInProgress:
		return from == model.BookingStatusConfirmed
	case model.BookingStatusCompleted:
		return from == model.BookingStatusInProgress
	case model.BookingStatusCancelled:
		return from == model.BookingStatusPending || from == model.BookingStatusConfirmed
	}
	return false
}

func statusMessage(to model.BookingStatus) string {
	switch to {
	case model.BookingStatusInProgress:
		return "スタッフが作業を開始しました。"
	case model.BookingStatusCompleted:
		return "作業が完了しました。ご利用ありがとうございました。"
	case model.BookingStatusCancelled:
		return "ご予約はキャンセルされました。"
	}
	return "ご予約の状態が変更されました。"
}
