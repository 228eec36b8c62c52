package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cleanbook/internal/auth"
	"github.com/hitoshi/cleanbook/internal/booking"
	"github.com/hitoshi/cleanbook/internal/middleware"
	"github.com/hitoshi/cleanbook/internal/model"
)

// リクエストボディの上限
const maxRequestBodyBytes = 64 << 10

// BookingServiceInterface は予約ハンドラーが必要とするサービスインターフェース。
type BookingServiceInterface interface {
	// ListServices は予約受付中のサービス一覧を返す。
	ListServices(ctx context.Context) ([]*model.Service, error)
	// Create はpendingの予約を作成する。
	Create(ctx context.Context, p auth.Principal, in booking.CreateInput) (*model.Booking, error)
	// List はロールに応じた予約一覧を返す。
	List(ctx context.Context, p auth.Principal) ([]*model.Booking, error)
	// Get は閲覧可能な予約の詳細を返す。
	Get(ctx context.Context, p auth.Principal, bookingID int64) (*model.BookingDetail, error)
	// UpdateStatus は予約のステータスを変更する。
	UpdateStatus(ctx context.Context, p auth.Principal, bookingID int64, status string) (*model.BookingDetail, error)
	// Assign は割り当て処理を同期実行し、実行後の予約と結果を返す。
	Assign(ctx context.Context, p auth.Principal, bookingID int64) (*model.BookingDetail, string, error)
}

// BookingHandler は予約APIのHTTPハンドラー。
type BookingHandler struct {
	service BookingServiceInterface
}

// NewBookingHandler はBookingHandlerを生成する。
func NewBookingHandler(service BookingServiceInterface) *BookingHandler {
	return &BookingHandler{service: service}
}

// bookingResponse は予約のAPIレスポンス。
type bookingResponse struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	ServiceID     int64     `json:"serviceId"`
	EmployeeID    *int64    `json:"employeeId"`
	ScheduledDate time.Time `json:"scheduledDate"`
	Status        string    `json:"status"`
	Address       string    `json:"address"`
	City          string    `json:"city"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// bookingDetailResponse は関連情報付きの予約レスポンス。
type bookingDetailResponse struct {
	bookingResponse
	ServiceName  string `json:"serviceName"`
	CustomerName string `json:"customerName"`
	EmployeeName string `json:"employeeName,omitempty"`
}

// assignResponse は手動割り当てのレスポンス。
type assignResponse struct {
	bookingDetailResponse
	Outcome string `json:"outcome"`
}

// createBookingRequest は予約作成リクエストのボディ。
type createBookingRequest struct {
	ServiceID     int64     `json:"serviceId"`
	ScheduledDate time.Time `json:"scheduledDate"`
	Address       string    `json:"address"`
	City          string    `json:"city"`
	Notes         string    `json:"notes"`
}

// updateStatusRequest はステータス変更リクエストのボディ。
type updateStatusRequest struct {
	Status string `json:"status"`
}

// CreateBooking は予約を作成する。
// POST /api/bookings
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req createBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.service.Create(r.Context(), p, booking.CreateInput{
		ServiceID:     req.ServiceID,
		ScheduledDate: req.ScheduledDate,
		Address:       req.Address,
		City:          req.City,
		Notes:         req.Notes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

// ListBookings はロールに応じた予約一覧を返す。
// GET /api/bookings
func (h *BookingHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), p)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]bookingResponse, len(list))
	for i, b := range list {
		resp[i] = toBookingResponse(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBooking は予約詳細を返す。
// GET /api/bookings/{id}
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := bookingIDParam(w, r)
	if !ok {
		return
	}

	detail, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDetailResponse(detail))
}

// UpdateStatus は予約のステータスを変更する。
// PATCH /api/bookings/{id}/status
func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := bookingIDParam(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	detail, err := h.service.UpdateStatus(r.Context(), p, id, req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingDetailResponse(detail))
}

// AssignBooking は管理者の操作で割り当て処理を再実行する。
// POST /api/admin/bookings/{id}/assign
func (h *BookingHandler) AssignBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := bookingIDParam(w, r)
	if !ok {
		return
	}

	detail, outcome, err := h.service.Assign(r.Context(), p, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, assignResponse{
		bookingDetailResponse: toBookingDetailResponse(detail),
		Outcome:               outcome,
	})
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return auth.Principal{}, false
	}
	return p, true
}

func bookingIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("id"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

func toBookingResponse(b *model.Booking) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		UserID:        b.UserID,
		ServiceID:     b.ServiceID,
		EmployeeID:    b.EmployeeID,
		ScheduledDate: b.ScheduledDate,
		Status:        string(b.Status),
		Address:       b.Address,
		City:          b.City,
		Notes:         b.Notes,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func toBookingDetailResponse(d *model.BookingDetail) bookingDetailResponse {
	return bookingDetailResponse{
		bookingResponse: toBookingResponse(&d.Booking),
		ServiceName:     d.ServiceName,
		CustomerName:    d.CustomerName,
		EmployeeName:    d.EmployeeName,
	}
}
