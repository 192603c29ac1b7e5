package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/realtime"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RoutingPrefix 事件路由键前缀，完整形式 assignment.{event}
const RoutingPrefix = "assignment."

const maxDialDelay = 30 * time.Second

// Channel amqp 通道中发布所需的部分，*amqp.Channel 满足
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Meta 事件元数据
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlationId,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	Topic         string    `json:"topic"`
}

// Envelope 发布到交换机的消息体
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

type correlationKey struct{}

// WithCorrelationID 把请求 ID 带到发布的事件上
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// Publisher 把推送事件镜像到 RabbitMQ topic 交换机
type Publisher struct {
	ch       Channel
	exchange string
	producer string
	logger   *logrus.Logger
	mu       sync.Mutex
	now      func() time.Time
}

// NewPublisher ch 由调用方持有并负责关闭
func NewPublisher(ch Channel, exchange, producer string, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{ch: ch, exchange: exchange, producer: producer, logger: logger, now: time.Now}
}

// Publish 发布一个事件，路由键为 assignment.{event}
func (p *Publisher) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: p.producer,
			Time:     p.now().UTC(),
			Type:     event,
			Topic:    topic,
		},
		Data: payload,
	}
	cid := correlationID(ctx)
	env.Meta.CorrelationID = &cid

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}

	key := RoutingKey(event)
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     env.Meta.Time,
		Type:          event,
		AppId:         p.producer,
		Body:          body,
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.WithFields(logrus.Fields{"exchange": p.exchange, "key": key, "topic": topic}).Debug("event published")
	return nil
}

// RoutingKey assignment-notification -> assignment.assignment-notification
func RoutingKey(event string) string {
	return RoutingPrefix + strings.ToLower(strings.TrimSpace(event))
}

func (p *Publisher) EmitToSession(ctx context.Context, sessionID, event string, payload interface{}) error {
	return p.Publish(ctx, realtime.SessionTopic(sessionID), event, payload)
}

func (p *Publisher) EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error {
	return p.Publish(ctx, realtime.UserTopic(userID), event, payload)
}

func (p *Publisher) BroadcastToRole(ctx context.Context, role models.RoleName, event string, payload interface{}) error {
	return p.Publish(ctx, realtime.RoleTopic(role), event, payload)
}

// Connection 持有 amqp 连接和发布通道
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Channel 发布通道
func (c *Connection) Channel() *amqp.Channel { return c.ch }

// Ping 连接或通道已关闭时返回 amqp.ErrClosed
func (c *Connection) Ping(context.Context) error {
	if c == nil || c.conn == nil || c.conn.IsClosed() || c.ch == nil || c.ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close 关闭通道和连接
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.ch != nil {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

// Connect 带退避重连地建立连接，并声明 durable topic 交换机
func Connect(ctx context.Context, cfg config.AMQPConfig, attempts int, logger *logrus.Logger) (*Connection, error) {
	if attempts <= 0 {
		attempts = 1
	}
	conn, err := dialWithRetry(ctx, cfg.URL, attempts, time.Second, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	logger.Infof("AMQP publisher ready on exchange %s", cfg.Exchange)
	return &Connection{conn: conn, ch: ch}, nil
}

func dialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration, logger *logrus.Logger) (*amqp.Connection, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				logger.Infof("AMQP connected after %d attempts", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warnf("AMQP dial failed (attempt %d), retrying in %s: %v", i, sleep, err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to AMQP after %d attempts: %w", attempts, lastErr)
}
