package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/cleanbook/internal/model"
)

// --- モック ---

type mockRedis struct {
	channel   string
	published [][]byte
	err       error
}

func (m *mockRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.channel = channel
	if b, ok := message.([]byte); ok {
		m.published = append(m.published, b)
	}
	return redis.NewIntResult(1, m.err)
}

func (m *mockRedis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

// --- テスト ---

// TestRedisFanout_PublishThenDispatch は発行した配信要求を受信側が同じ接続へ配れることを検証する。
func TestRedisFanout_PublishThenDispatch(t *testing.T) {
	rdb := &mockRedis{}
	local := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	local.Register(conn, Identity{UserID: 2, Role: model.RoleEmployee})

	fanout := NewRedisFanout(rdb, "cleanbook:notifications", local, nil)
	fanout.SendToEmployee(context.Background(), 2, NewBookingAssignmentMessage(100, "新しい予約", BookingDetails{Service: "Deep clean"}))

	if rdb.channel != "cleanbook:notifications" {
		t.Errorf("channel = %q", rdb.channel)
	}
	if len(rdb.published) != 1 {
		t.Fatalf("published = %d, want 1", len(rdb.published))
	}
	if len(conn.messages()) != 0 {
		t.Fatal("publish alone must not deliver locally")
	}

	if n := fanout.dispatch(rdb.published[0]); n != 1 {
		t.Fatalf("dispatch delivered = %d, want 1", n)
	}

	var got BookingAssignmentMessage
	if err := json.Unmarshal(conn.messages()[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Type != TypeBookingAssignment || got.BookingID != 100 || got.BookingDetails.Service != "Deep clean" {
		t.Errorf("delivered = %+v", got)
	}
}

// TestRedisFanout_EmployeeTargetPreserved はスタッフ指定が受信側でも維持されることを検証する。
func TestRedisFanout_EmployeeTargetPreserved(t *testing.T) {
	rdb := &mockRedis{}
	local := NewRegistry(nil, nil)
	customerTab := newMockConn("c1")
	local.Register(customerTab, Identity{UserID: 2, Role: model.RoleCustomer})

	fanout := NewRedisFanout(rdb, "ch", local, nil)
	fanout.SendToEmployee(context.Background(), 2, testMessage(1))

	if n := fanout.dispatch(rdb.published[0]); n != 0 {
		t.Errorf("delivered = %d, want 0 for non-employee registration", n)
	}
}

// TestRedisFanout_PublishErrorIsSwallowed はRedis障害時もパニックせずに処理を終えることを検証する。
func TestRedisFanout_PublishErrorIsSwallowed(t *testing.T) {
	rdb := &mockRedis{err: errors.New("connection refused")}
	fanout := NewRedisFanout(rdb, "ch", NewRegistry(nil, nil), nil)

	fanout.SendToUser(context.Background(), 1, testMessage(1))
}

// TestRedisFanout_DispatchRejectsBadEnvelope は不正な配信要求を無視することを検証する。
func TestRedisFanout_DispatchRejectsBadEnvelope(t *testing.T) {
	local := NewRegistry(nil, nil)
	conn := newMockConn("c1")
	local.Register(conn, Identity{UserID: 1})
	fanout := NewRedisFanout(&mockRedis{}, "ch", local, nil)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "JSONでない", raw: "garbage"},
		{name: "未知のtarget", raw: `{"target":"everyone","userId":1,"kind":"booking_update","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n := fanout.dispatch([]byte(tt.raw)); n != 0 {
				t.Errorf("delivered = %d, want 0", n)
			}
		})
	}
	if len(conn.messages()) != 0 {
		t.Error("no message should be delivered")
	}
}
