package realtime

import "time"

// 送受信するメッセージの種類
const (
	TypeBookingAssignment = "booking_assignment"
	TypeBookingUpdate     = "booking_update"
	TypeAutoAssignBooking = "auto_assign_booking"
	TypeChatMessage       = "chat_message"
)

// Message はクライアントへ送信するイベント。
type Message interface {
	MessageType() string
}

// BookingDetails は担当スタッフ向け通知に含める予約内容。
type BookingDetails struct {
	Service       string    `json:"service"`
	ScheduledDate time.Time `json:"scheduledDate"`
	Address       string    `json:"address"`
	City          string    `json:"city"`
}

// BookingAssignmentMessage はスタッフに予約が割り当てられたことを知らせる。
type BookingAssignmentMessage struct {
	Type           string         `json:"type"`
	BookingID      int64          `json:"bookingId"`
	Message        string         `json:"message"`
	BookingDetails BookingDetails `json:"bookingDetails"`
}

// NewBookingAssignmentMessage はBookingAssignmentMessageを生成する。
func NewBookingAssignmentMessage(bookingID int64, text string, details BookingDetails) *BookingAssignmentMessage {
	return &BookingAssignmentMessage{
		Type:           TypeBookingAssignment,
		BookingID:      bookingID,
		Message:        text,
		BookingDetails: details,
	}
}

func (m *BookingAssignmentMessage) MessageType() string { return TypeBookingAssignment }

// BookingUpdateMessage は顧客に予約の状態変化を知らせる。
// Statusはステータス変更時のみ設定される。
type BookingUpdateMessage struct {
	Type         string `json:"type"`
	BookingID    int64  `json:"bookingId"`
	Message      string `json:"message"`
	EmployeeName string `json:"employeeName"`
	Status       string `json:"status,omitempty"`
}

// NewBookingUpdateMessage はBookingUpdateMessageを生成する。
func NewBookingUpdateMessage(bookingID int64, text, employeeName string) *BookingUpdateMessage {
	return &BookingUpdateMessage{
		Type:         TypeBookingUpdate,
		BookingID:    bookingID,
		Message:      text,
		EmployeeName: employeeName,
	}
}

func (m *BookingUpdateMessage) MessageType() string { return TypeBookingUpdate }

// inboundMessage はクライアントから受信するメッセージの共通部分。
type inboundMessage struct {
	Type      string `json:"type"`
	BookingID int64  `json:"bookingId"`
}
