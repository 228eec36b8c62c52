package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/cleanbook/internal/model"
)

// --- モック ---

type mockConn struct {
	id   string
	mu   sync.Mutex
	open bool
	full bool
	sent [][]byte
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, open: true}
}

func (c *mockConn) ID() string { return c.id }

func (c *mockConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *mockConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.sent = append(c.sent, data)
	return true
}

func (c *mockConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type mockAssigner struct {
	mu    sync.Mutex
	calls []int64
}

func (a *mockAssigner) AssignBookingToEmployee(ctx context.Context, bookingID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, bookingID)
}

type mockChatHandler struct {
	calls int
	from  Identity
}

func (h *mockChatHandler) HandleChat(ctx context.Context, from Identity, raw []byte) {
	h.calls++
	h.from = from
}

type recordingMetrics struct {
	mu        sync.Mutex
	opened    int
	closed    int
	kinds     []string
	delivered int
}

func (m *recordingMetrics) RecordAssignment(string) {}

func (m *recordingMetrics) RecordAssignmentLatency(time.Duration) {}

func (m *recordingMetrics) RecordHTTPStatus(int) {}

func (m *recordingMetrics) RecordNotification(kind string, delivered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	m.delivered += delivered
}

func (m *recordingMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func testMessage(bookingID int64) Message {
	return NewBookingUpdateMessage(bookingID, "test", "Sara")
}

// --- テスト ---

// TestRegistry_SendToEmployee_DeliversOnce はスタッフとして登録した接続へちょうど1回配信されることを検証する。
func TestRegistry_SendToEmployee_DeliversOnce(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{UserID: 42, Role: model.RoleEmployee})

	reg.SendToEmployee(context.Background(), 42, testMessage(1))

	if got := len(conn.messages()); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}

	reg.SendToUser(context.Background(), 42, testMessage(2))
	if got := len(conn.messages()); got != 2 {
		t.Errorf("SendToUser should also reach employee connection, messages = %d", got)
	}
}

// TestRegistry_SendToEmployee_SkipsNonEmployeeRegistration は同じユーザーでもスタッフ以外の登録には届かないことを検証する。
func TestRegistry_SendToEmployee_SkipsNonEmployeeRegistration(t *testing.T) {
	reg := NewRegistry(nil, nil)
	asCustomer := newMockConn("tab-customer")
	asEmployee := newMockConn("tab-employee")
	reg.Register(asCustomer, Identity{UserID: 7, Role: model.RoleCustomer})
	reg.Register(asEmployee, Identity{UserID: 7, Role: model.RoleEmployee})

	reg.SendToEmployee(context.Background(), 7, testMessage(1))

	if got := len(asCustomer.messages()); got != 0 {
		t.Errorf("customer tab messages = %d, want 0", got)
	}
	if got := len(asEmployee.messages()); got != 1 {
		t.Errorf("employee tab messages = %d, want 1", got)
	}
}

// TestRegistry_SendToUser_AllConnectionsOfUser は同じユーザーの複数接続すべてに届き、他ユーザーには届かないことを検証する。
func TestRegistry_SendToUser_AllConnectionsOfUser(t *testing.T) {
	reg := NewRegistry(nil, nil)
	a1 := newMockConn("a1")
	a2 := newMockConn("a2")
	b := newMockConn("b")
	anon := newMockConn("anon")
	reg.Register(a1, Identity{UserID: 1, Role: model.RoleCustomer})
	reg.Register(a2, Identity{UserID: 1, Role: model.RoleCustomer})
	reg.Register(b, Identity{UserID: 2, Role: model.RoleCustomer})
	reg.Register(anon, Identity{})

	reg.SendToUser(context.Background(), 1, testMessage(5))

	if len(a1.messages()) != 1 || len(a2.messages()) != 1 {
		t.Errorf("user 1 connections should each receive 1 message: a1=%d a2=%d", len(a1.messages()), len(a2.messages()))
	}
	if len(b.messages()) != 0 {
		t.Errorf("user 2 should receive nothing, got %d", len(b.messages()))
	}
	if len(anon.messages()) != 0 {
		t.Errorf("anonymous connection should receive nothing, got %d", len(anon.messages()))
	}
}

// TestRegistry_SendToUser_SerializesWireShape は送信内容がJSONのワイヤ形式であることを検証する。
func TestRegistry_SendToUser_SerializesWireShape(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{UserID: 3, Role: model.RoleCustomer})

	reg.SendToUser(context.Background(), 3, NewBookingUpdateMessage(100, "担当が決まりました", "Sara"))

	var got map[string]any
	if err := json.Unmarshal(conn.messages()[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["type"] != "booking_update" {
		t.Errorf("type = %v", got["type"])
	}
	if got["bookingId"] != float64(100) {
		t.Errorf("bookingId = %v", got["bookingId"])
	}
	if got["employeeName"] != "Sara" {
		t.Errorf("employeeName = %v", got["employeeName"])
	}
	if _, ok := got["status"]; ok {
		t.Error("status should be omitted when empty")
	}
}

// TestRegistry_Unregister_StopsDelivery は登録解除後は同じユーザーIDでも配信されないことを検証する。
func TestRegistry_Unregister_StopsDelivery(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{UserID: 42, Role: model.RoleEmployee})
	reg.Unregister(conn)

	reg.SendToUser(context.Background(), 42, testMessage(1))
	reg.SendToEmployee(context.Background(), 42, testMessage(1))

	if got := len(conn.messages()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}

// TestRegistry_Unregister_Idempotent は未登録の接続の解除が何もしないことを検証する。
func TestRegistry_Unregister_Idempotent(t *testing.T) {
	m := &recordingMetrics{}
	reg := NewRegistry(m, nil)
	conn := newMockConn("c1")

	reg.Unregister(conn)
	reg.Register(conn, Identity{UserID: 1})
	reg.Unregister(conn)
	reg.Unregister(conn)

	if m.opened != 1 || m.closed != 1 {
		t.Errorf("opened=%d closed=%d, want 1/1", m.opened, m.closed)
	}
}

// TestRegistry_ClosedConnectionSkippedNotRemoved は閉じた接続はスキップされるが登録は残ることを検証する。
func TestRegistry_ClosedConnectionSkippedNotRemoved(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{UserID: 9, Role: model.RoleCustomer})

	conn.mu.Lock()
	conn.open = false
	conn.mu.Unlock()

	if n := reg.Deliver(TargetUser, 9, TypeBookingUpdate, []byte(`{}`)); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1 (closed entries stay until unregister)", reg.Count())
	}
}

// TestRegistry_Deliver_FullBufferNotCounted は送信バッファが一杯の接続を配信数に含めないことを検証する。
func TestRegistry_Deliver_FullBufferNotCounted(t *testing.T) {
	m := &recordingMetrics{}
	reg := NewRegistry(m, nil)
	ok := newMockConn("ok")
	full := newMockConn("full")
	full.full = true
	reg.Register(ok, Identity{UserID: 1})
	reg.Register(full, Identity{UserID: 1})

	if n := reg.Deliver(TargetUser, 1, TypeBookingUpdate, []byte(`{}`)); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if m.delivered != 1 || len(m.kinds) != 1 || m.kinds[0] != TypeBookingUpdate {
		t.Errorf("metrics delivered=%d kinds=%v", m.delivered, m.kinds)
	}
}

// TestRegistry_HandleInboundMessage_MalformedJSON は不正なJSONでパニックせず接続も閉じないことを検証する。
func TestRegistry_HandleInboundMessage_MalformedJSON(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assigner := &mockAssigner{}
	reg.SetAssigner(assigner)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{})

	reg.HandleInboundMessage(context.Background(), conn, []byte("{not valid json"))

	if !conn.IsOpen() {
		t.Error("connection should stay open")
	}
	if reg.Count() != 1 {
		t.Error("connection should stay registered")
	}
	if len(assigner.calls) != 0 {
		t.Errorf("assigner calls = %v, want none", assigner.calls)
	}
	if len(conn.messages()) != 0 {
		t.Error("no response should be sent")
	}
}

// TestRegistry_HandleInboundMessage_AutoAssign は割り当て要求がちょうど1回割り当て処理を呼ぶことを検証する。
func TestRegistry_HandleInboundMessage_AutoAssign(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assigner := &mockAssigner{}
	reg.SetAssigner(assigner)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{})

	reg.HandleInboundMessage(context.Background(), conn, []byte(`{"type":"auto_assign_booking","bookingId":7}`))

	if len(assigner.calls) != 1 || assigner.calls[0] != 7 {
		t.Errorf("assigner calls = %v, want [7]", assigner.calls)
	}
}

// TestRegistry_HandleInboundMessage_OtherKinds はチャットはハンドラーへ渡り、未知の種別は無視されることを検証する。
func TestRegistry_HandleInboundMessage_OtherKinds(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assigner := &mockAssigner{}
	chat := &mockChatHandler{}
	reg.SetAssigner(assigner)
	reg.SetChatHandler(chat)
	conn := newMockConn("c1")
	reg.Register(conn, Identity{UserID: 5, Role: model.RoleCustomer})

	reg.HandleInboundMessage(context.Background(), conn, []byte(`{"type":"chat_message","text":"hello"}`))
	reg.HandleInboundMessage(context.Background(), conn, []byte(`{"type":"ping"}`))
	reg.HandleInboundMessage(context.Background(), conn, []byte(`{"type":"auto_assign_booking"}`))

	if chat.calls != 1 || chat.from.UserID != 5 {
		t.Errorf("chat calls=%d from=%+v", chat.calls, chat.from)
	}
	if len(assigner.calls) != 0 {
		t.Errorf("assigner calls = %v, want none", assigner.calls)
	}
}

// TestRegistry_ConcurrentAccess は登録・解除・配信が並行に呼ばれても競合しないことを検証する（-raceで意味を持つ）。
func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil, nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newMockConn(fmt.Sprintf("c%d", i))
			reg.Register(conn, Identity{UserID: int64(i%3 + 1), Role: model.RoleEmployee})
			reg.SendToEmployee(context.Background(), int64(i%3+1), testMessage(int64(i)))
			reg.Unregister(conn)
		}(i)
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}
