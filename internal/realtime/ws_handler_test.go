package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/cleanbook/internal/auth"
	"github.com/hitoshi/cleanbook/internal/model"
)

// --- モック ---

type mockTokenParser struct {
	parseFn func(token string) (*auth.Principal, error)
}

func (m *mockTokenParser) Parse(token string) (*auth.Principal, error) {
	return m.parseFn(token)
}

func employeeTokens() *mockTokenParser {
	return &mockTokenParser{
		parseFn: func(token string) (*auth.Principal, error) {
			if token == "valid-employee-2" {
				return &auth.Principal{UserID: 2, Role: model.RoleEmployee}, nil
			}
			return nil, errors.New("invalid token")
		},
	}
}

// --- ヘルパー ---

func startWSServer(t *testing.T, reg *Registry, config WSHandlerConfig) *httptest.Server {
	t.Helper()
	h := NewWSHandler(reg, employeeTokens(), config, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// waitFor は条件が満たされるまで最大1秒待つ。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

// --- テスト ---

// TestWSHandler_AuthenticatedConnectionReceivesEmployeeMessages はトークン付き接続がスタッフとして登録され通知を受け取ることを検証する。
func TestWSHandler_AuthenticatedConnectionReceivesEmployeeMessages(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srv := startWSServer(t, reg, WSHandlerConfig{})
	ws := dialWS(t, srv, "?token=valid-employee-2", nil)

	waitFor(t, func() bool { return reg.Count() == 1 })

	reg.SendToEmployee(context.Background(), 2, NewBookingAssignmentMessage(100, "新しい予約が割り当てられました", BookingDetails{City: "Riyadh"}))

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got BookingAssignmentMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.BookingID != 100 || got.Type != TypeBookingAssignment {
		t.Errorf("received %+v", got)
	}
}

// TestWSHandler_BearerHeader はAuthorizationヘッダーのトークンでも利用者が識別されることを検証する。
func TestWSHandler_BearerHeader(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srv := startWSServer(t, reg, WSHandlerConfig{})
	header := http.Header{}
	header.Set("Authorization", "Bearer valid-employee-2")
	ws := dialWS(t, srv, "", header)

	waitFor(t, func() bool { return reg.Count() == 1 })
	reg.SendToUser(context.Background(), 2, testMessage(3))

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("expected a message, got %v", err)
	}
}

// TestWSHandler_InvalidTokenIsAnonymous は不正なトークンでも接続は確立され、匿名として扱われることを検証する。
func TestWSHandler_InvalidTokenIsAnonymous(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srv := startWSServer(t, reg, WSHandlerConfig{})
	_ = dialWS(t, srv, "?token=forged", nil)

	waitFor(t, func() bool { return reg.Count() == 1 })

	reg.mu.RLock()
	for _, identity := range reg.conns {
		if !identity.Anonymous() {
			t.Errorf("identity = %+v, want anonymous", identity)
		}
	}
	reg.mu.RUnlock()
}

// TestWSHandler_InboundAutoAssign は受信したauto_assign_bookingが割り当て処理に渡ることを検証する。
func TestWSHandler_InboundAutoAssign(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assigner := &mockAssigner{}
	reg.SetAssigner(assigner)
	srv := startWSServer(t, reg, WSHandlerConfig{})
	ws := dialWS(t, srv, "", nil)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not valid json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"auto_assign_booking","bookingId":7}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, func() bool {
		assigner.mu.Lock()
		defer assigner.mu.Unlock()
		return len(assigner.calls) == 1
	})
	if reg.Count() != 1 {
		t.Error("connection should stay registered after a malformed message")
	}
}

// TestWSHandler_CloseUnregisters は切断で登録が解除されることを検証する。
func TestWSHandler_CloseUnregisters(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srv := startWSServer(t, reg, WSHandlerConfig{})
	ws := dialWS(t, srv, "?token=valid-employee-2", nil)

	waitFor(t, func() bool { return reg.Count() == 1 })
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()

	waitFor(t, func() bool { return reg.Count() == 0 })
}

// TestWSHandler_RejectsForeignOrigin は許可されていないOriginからの接続を拒否することを検証する。
func TestWSHandler_RejectsForeignOrigin(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srv := startWSServer(t, reg, WSHandlerConfig{AllowedOrigin: "http://localhost:3000"})

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}

// TestWSConn_SendAfterClose は閉じた接続への送信がfalseを返すことを検証する。
func TestWSConn_SendAfterClose(t *testing.T) {
	c := &wsConn{id: "x", send: make(chan []byte, 1), done: make(chan struct{})}
	if !c.Send([]byte("a")) {
		t.Fatal("first send should succeed")
	}
	if c.Send([]byte("b")) {
		t.Error("send on full buffer should fail")
	}
	close(c.done)
	if c.IsOpen() {
		t.Error("IsOpen should be false after done is closed")
	}
	if c.Send([]byte("c")) {
		t.Error("send after close should fail")
	}
}
