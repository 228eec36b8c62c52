package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// amqpPublisher はRabbitMQPublisherが使うチャンネル操作。
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher はtopic exchangeへイベントを発行するPublisher。
// 発行はサーキットブレーカー越しに行い、ブローカー障害時は即座に失敗させる。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
	cb       *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewRabbitMQPublisher はRabbitMQへ接続し、exchangeを宣言したPublisherを返す。
func NewRabbitMQPublisher(url, exchange string, cb *gobreaker.CircuitBreaker, logger *slog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newRabbitMQPublisher(ch, exchange, cb, logger)
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(ch amqpPublisher, exchange string, cb *gobreaker.CircuitBreaker, logger *slog.Logger) *RabbitMQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQPublisher{ch: ch, exchange: exchange, cb: cb, logger: logger}
}

// PublishBookingCreated は予約作成イベントを永続メッセージとして発行する。
func (p *RabbitMQPublisher) PublishBookingCreated(ctx context.Context, evt BookingCreated) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(evt.BookingID, 10),
		Timestamp:    evt.OccurredAt,
		Body:         body,
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyBookingCreated, false, false, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKeyBookingCreated, err)
	}

	p.logger.Debug("予約作成イベントを発行しました",
		slog.Int64("booking_id", evt.BookingID),
		slog.String("exchange", p.exchange),
	)
	return nil
}

// Close はチャンネルと接続を閉じる。
func (p *RabbitMQPublisher) Close() error {
	if c, ok := p.ch.(*amqp.Channel); ok && c != nil {
		_ = c.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// RabbitMQConsumer はキューから予約作成イベントを受け取り、ハンドラーへ渡す。
type RabbitMQConsumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler BookingCreatedHandler
	timeout time.Duration
	logger  *slog.Logger
}

// NewRabbitMQConsumer はexchange・キューを宣言し、booking.createdをバインドしたConsumerを返す。
func NewRabbitMQConsumer(url, exchange, queue string, handler BookingCreatedHandler, timeout time.Duration, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyBookingCreated, exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("bind %s: %w", RoutingKeyBookingCreated, err)
	}
	if err := ch.Qos(8, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	c := newRabbitMQConsumer(handler, timeout, logger)
	c.conn = conn
	c.ch = ch
	c.queue = q.Name
	return c, nil
}

func newRabbitMQConsumer(handler BookingCreatedHandler, timeout time.Duration, logger *slog.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQConsumer{handler: handler, timeout: timeout, logger: logger}
}

// Run はctxがキャンセルされるまでメッセージを処理する。
func (c *RabbitMQConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("予約作成イベントの購読を開始しました", slog.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed: %s", c.queue)
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery は1件のメッセージを処理し、ack/nackを返す。
// 解析できないメッセージは再投入せずに破棄する。
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	if d.RoutingKey != RoutingKeyBookingCreated {
		_ = d.Ack(false)
		return
	}

	var evt BookingCreated
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		c.logger.Warn("予約作成イベントを解析できません", slog.String("error", err.Error()))
		_ = d.Nack(false, false)
		return
	}
	if evt.BookingID <= 0 {
		c.logger.Warn("予約作成イベントにbookingIdがありません")
		_ = d.Ack(false)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.handler.HandleBookingCreated(hctx, evt)
	_ = d.Ack(false)
}

// Close はチャンネルと接続を閉じる。
func (c *RabbitMQConsumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ Publisher = (*RabbitMQPublisher)(nil)
