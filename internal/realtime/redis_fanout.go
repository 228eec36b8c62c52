package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisPubSub はRedisFanoutが使うgo-redisクライアントの操作。
type redisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// fanoutEnvelope はインスタンス間で受け渡す配信要求。
type fanoutEnvelope struct {
	Target  Target          `json:"target"`
	UserID  int64           `json:"userId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// RedisFanout はRedis Pub/Subを介して全インスタンスへ配信要求を流すNotifier。
// 各インスタンスはRunで購読し、受け取った要求を自分のRegistryへ配る。
// 接続を持たないworkerプロセスからの通知もserveプロセスの接続へ届く。
type RedisFanout struct {
	client  redisPubSub
	channel string
	local   *Registry
	logger  *slog.Logger
}

// NewRedisFanout はRedisFanoutを生成する。
func NewRedisFanout(client redisPubSub, channel string, local *Registry, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
	}
}

// SendToUser は指定ユーザーへの配信要求を発行する。
func (f *RedisFanout) SendToUser(ctx context.Context, userID int64, msg Message) {
	f.publish(ctx, TargetUser, userID, msg)
}

// SendToEmployee は指定スタッフへの配信要求を発行する。
func (f *RedisFanout) SendToEmployee(ctx context.Context, userID int64, msg Message) {
	f.publish(ctx, TargetEmployee, userID, msg)
}

func (f *RedisFanout) publish(ctx context.Context, target Target, userID int64, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("通知のシリアライズに失敗しました",
			slog.String("type", msg.MessageType()),
			slog.String("error", err.Error()),
		)
		return
	}
	envelope, err := json.Marshal(fanoutEnvelope{
		Target:  target,
		UserID:  userID,
		Kind:    msg.MessageType(),
		Payload: payload,
	})
	if err != nil {
		f.logger.Error("配信要求のシリアライズに失敗しました", slog.String("error", err.Error()))
		return
	}

	if err := f.client.Publish(ctx, f.channel, envelope).Err(); err != nil {
		// Redisに届かない場合も通知は捨てる。予約の状態はDBに残っている
		f.logger.Warn("通知の配信要求をRedisへ発行できませんでした",
			slog.String("channel", f.channel),
			slog.Int64("user_id", userID),
			slog.String("type", msg.MessageType()),
			slog.String("error", err.Error()),
		)
	}
}

// Run はチャンネルを購読し、ctxがキャンセルされるまで配信要求をローカルのRegistryへ渡す。
func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// 購読の確立を待つ
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}
	f.logger.Info("通知チャンネルの購読を開始しました", slog.String("channel", f.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("通知チャンネルの購読を終了します", slog.String("channel", f.channel))
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed: %s", f.channel)
			}
			f.dispatch([]byte(msg.Payload))
		}
	}
}

// dispatch は受信した配信要求をローカルのRegistryへ渡し、配信した接続数を返す。
func (f *RedisFanout) dispatch(raw []byte) int {
	var env fanoutEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.logger.Warn("配信要求を解析できません", slog.String("error", err.Error()))
		return 0
	}
	if env.Target != TargetUser && env.Target != TargetEmployee {
		f.logger.Warn("未対応の配信対象です", slog.String("target", string(env.Target)))
		return 0
	}
	return f.local.Deliver(env.Target, env.UserID, env.Kind, env.Payload)
}

var _ Notifier = (*RedisFanout)(nil)
