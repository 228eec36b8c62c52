// Package realtime はリアルタイム接続の管理と、ユーザー単位のイベント配信を提供する。
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hitoshi/cleanbook/internal/metrics"
	"github.com/hitoshi/cleanbook/internal/model"
)

// Conn はレジストリに登録される接続ハンドル。
type Conn interface {
	// ID は接続を識別する文字列を返す。ログ出力に使う。
	ID() string
	// IsOpen は接続がまだ書き込み可能かどうかを返す。
	IsOpen() bool
	// Send はデータの送信を予約する。ブロックしない。送信できなかった場合はfalseを返す。
	Send(data []byte) bool
}

// Identity は接続に紐づく利用者。UserIDが0の場合は匿名接続。
type Identity struct {
	UserID int64
	Role   model.Role
}

// Anonymous は匿名接続かどうかを返す。
func (i Identity) Anonymous() bool {
	return i.UserID == 0
}

// Target は配信対象の絞り込み条件。
type Target string

const (
	// TargetUser はユーザーIDが一致するすべての接続。
	TargetUser Target = "user"
	// TargetEmployee はユーザーIDが一致し、かつスタッフとして登録された接続。
	TargetEmployee Target = "employee"
)

// Notifier はユーザー単位のイベント配信インターフェース。
// 配信は送りっぱなしで、対象の接続がなければ何もしない。
type Notifier interface {
	SendToUser(ctx context.Context, userID int64, msg Message)
	SendToEmployee(ctx context.Context, userID int64, msg Message)
}

// Assigner は予約のスタッフ自動割り当てを行う。
type Assigner interface {
	AssignBookingToEmployee(ctx context.Context, bookingID int64)
}

// ChatHandler はchat_messageを受け取る。
type ChatHandler interface {
	HandleChat(ctx context.Context, from Identity, raw []byte)
}

// Registry はプロセス内の接続表。接続ハンドルごとに利用者を保持する。
// 同じユーザーが複数の接続を持つことができる。
type Registry struct {
	mu       sync.RWMutex
	conns    map[Conn]Identity
	assigner Assigner
	chat     ChatHandler

	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRegistry はRegistryを生成する。
// 割り当て処理はSetAssignerで後から設定する。
func NewRegistry(m metrics.MetricsCollector, logger *slog.Logger) *Registry {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[Conn]Identity),
		chat:    &logChatHandler{logger: logger},
		metrics: m,
		logger:  logger,
	}
}

// SetAssigner はauto_assign_bookingの処理先を設定する。
func (r *Registry) SetAssigner(a Assigner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigner = a
}

// SetChatHandler はchat_messageの処理先を設定する。
func (r *Registry) SetChatHandler(h ChatHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = h
}

// Register は接続を登録する。同じ接続を再登録した場合は利用者を上書きする。
func (r *Registry) Register(conn Conn, identity Identity) {
	r.mu.Lock()
	_, exists := r.conns[conn]
	r.conns[conn] = identity
	r.mu.Unlock()

	if !exists {
		r.metrics.ConnectionOpened()
	}
	r.logger.Debug("接続を登録しました",
		slog.String("conn_id", conn.ID()),
		slog.Int64("user_id", identity.UserID),
		slog.String("role", string(identity.Role)),
	)
}

// Unregister は接続の登録を解除する。未登録の接続に対しては何もしない。
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	_, exists := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()

	if exists {
		r.metrics.ConnectionClosed()
		r.logger.Debug("接続の登録を解除しました", slog.String("conn_id", conn.ID()))
	}
}

// Count は登録中の接続数を返す。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToUser は指定ユーザーの開いているすべての接続にメッセージを送る。
func (r *Registry) SendToUser(ctx context.Context, userID int64, msg Message) {
	r.send(TargetUser, userID, msg)
}

// SendToEmployee は指定ユーザーがスタッフとして開いている接続にのみメッセージを送る。
func (r *Registry) SendToEmployee(ctx context.Context, userID int64, msg Message) {
	r.send(TargetEmployee, userID, msg)
}

func (r *Registry) send(target Target, userID int64, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("通知のシリアライズに失敗しました",
			slog.String("type", msg.MessageType()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.Deliver(target, userID, msg.MessageType(), payload)
}

// Deliver はシリアライズ済みのメッセージを条件に合う接続へ書き込み、書き込めた接続数を返す。
// 閉じた接続はスキップするが、登録は解除しない。
func (r *Registry) Deliver(target Target, userID int64, kind string, payload []byte) int {
	delivered := 0
	if userID > 0 {
		r.mu.RLock()
		for conn, identity := range r.conns {
			if !matches(identity, target, userID) || !conn.IsOpen() {
				continue
			}
			if conn.Send(payload) {
				delivered++
			} else {
				r.logger.Warn("送信バッファが一杯のため通知を破棄しました",
					slog.String("conn_id", conn.ID()),
					slog.Int64("user_id", userID),
					slog.String("type", kind),
				)
			}
		}
		r.mu.RUnlock()
	}

	r.metrics.RecordNotification(kind, delivered)
	return delivered
}

func matches(identity Identity, target Target, userID int64) bool {
	if identity.UserID != userID {
		return false
	}
	if target == TargetEmployee {
		return identity.Role == model.RoleEmployee
	}
	return true
}

// HandleInboundMessage はクライアントから受信したメッセージを処理する。
// 不正なメッセージはログに記録するだけで、接続には影響しない。
func (r *Registry) HandleInboundMessage(ctx context.Context, conn Conn, raw []byte) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		r.logger.Warn("受信メッセージを解析できません",
			slog.String("conn_id", conn.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	r.mu.RLock()
	identity := r.conns[conn]
	assigner := r.assigner
	chat := r.chat
	r.mu.RUnlock()

	switch in.Type {
	case TypeAutoAssignBooking:
		if in.BookingID <= 0 {
			r.logger.Warn("auto_assign_bookingにbookingIdがありません", slog.String("conn_id", conn.ID()))
			return
		}
		if assigner == nil {
			r.logger.Warn("割り当て処理が未設定のためauto_assign_bookingを無視しました",
				slog.Int64("booking_id", in.BookingID),
			)
			return
		}
		r.logger.Info("auto_assign_bookingを受信しました",
			slog.String("conn_id", conn.ID()),
			slog.Int64("user_id", identity.UserID),
			slog.Int64("booking_id", in.BookingID),
		)
		assigner.AssignBookingToEmployee(ctx, in.BookingID)
	case TypeChatMessage:
		if chat != nil {
			chat.HandleChat(ctx, identity, raw)
		}
	default:
		r.logger.Debug("未対応のメッセージ種別を無視しました",
			slog.String("conn_id", conn.ID()),
			slog.String("type", in.Type),
		)
	}
}

// logChatHandler はチャットメッセージをログに記録するだけの既定実装。
type logChatHandler struct {
	logger *slog.Logger
}

func (h *logChatHandler) HandleChat(ctx context.Context, from Identity, raw []byte) {
	h.logger.Info("チャットメッセージを受信しました",
		slog.Int64("user_id", from.UserID),
		slog.Int("bytes", len(raw)),
	)
}

var _ Notifier = (*Registry)(nil)
