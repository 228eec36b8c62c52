package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/cleanbook/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// TokenParser はハンドシェイクで受け取ったトークンを検証する。
type TokenParser interface {
	Parse(token string) (*auth.Principal, error)
}

// WSHandlerConfig はWSHandlerの設定。
type WSHandlerConfig struct {
	SendBuffer     int           // 接続ごとの送信キュー長
	AllowedOrigin  string        // 許可するOrigin。"*"は全許可
	InboundTimeout time.Duration // 受信メッセージ1件の処理時間上限
}

// WSHandler はWebSocket接続を受け付け、Registryへ登録する。
type WSHandler struct {
	registry *Registry
	tokens   TokenParser
	config   WSHandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler はWSHandlerを生成する。
func NewWSHandler(registry *Registry, tokens TokenParser, config WSHandlerConfig, logger *slog.Logger) *WSHandler {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 16
	}
	if config.InboundTimeout <= 0 {
		config.InboundTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &WSHandler{
		registry: registry,
		tokens:   tokens,
		config:   config,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.config.AllowedOrigin == "*" {
		return true
	}
	return origin == h.config.AllowedOrigin
}

// identify はトークンから利用者を復元する。トークンがない、または不正な場合は匿名とする。
func (h *WSHandler) identify(r *http.Request) Identity {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			token = strings.TrimPrefix(authz, "Bearer ")
		}
	}
	if token == "" || h.tokens == nil {
		return Identity{}
	}

	principal, err := h.tokens.Parse(token)
	if err != nil {
		h.logger.Debug("トークンが不正なため匿名接続として扱います", slog.String("error", err.Error()))
		return Identity{}
	}
	return Identity{UserID: principal.UserID, Role: principal.Role}
}

// ServeHTTP はWebSocketへアップグレードし、接続が閉じるまで受信を続ける。
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := h.identify(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	conn := newWSConn(ws, h.config.SendBuffer)
	h.registry.Register(conn, identity)
	defer func() {
		h.registry.Unregister(conn)
		conn.close()
	}()

	go conn.writePump()
	h.readPump(r.Context(), conn)
}

// readPump は接続が閉じるまで受信メッセージをRegistryへ渡す。
func (h *WSHandler) readPump(ctx context.Context, conn *wsConn) {
	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket接続が異常終了しました",
					slog.String("conn_id", conn.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		msgCtx, cancel := context.WithTimeout(ctx, h.config.InboundTimeout)
		h.registry.HandleInboundMessage(msgCtx, conn, data)
		cancel()
	}
}

// wsConn はgorilla/websocketの接続をConnとして扱うためのラッパー。
// 書き込みはwritePumpのゴルーチンだけが行う。
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send は送信キューへデータを積む。キューが一杯または閉じている場合はfalseを返す。
func (c *wsConn) Send(data []byte) bool {
	if !c.IsOpen() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump は送信キューの内容を書き込み、定期的にpingを送る。
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
