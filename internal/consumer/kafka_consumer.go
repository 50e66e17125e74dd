package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"stock-service/internal/service"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ReleaseCommand приходит от сервиса заказов при отмене заказа до оплаты.
type ReleaseCommand struct {
	BusinessKey string `json:"business_key"`
	Reason      string `json:"reason"`
}

type Releaser interface {
	Release(ctx context.Context, businessKey string) (bool, error)
}

// messageReader: часть kafka.Reader с ручным коммитом офсетов.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReleaseConsumer коммитит офсет только после успешного снятия резерва
// или заведомо неисправимой команды; временные ошибки повторяются, пока жив контекст.
type KafkaReleaseConsumer struct {
	reader   messageReader
	releaser Releaser
	log      *zap.Logger
	backoff  func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	return eb
}

func NewKafkaReleaseConsumer(brokers []string, groupID, topic string, releaser Releaser, log *zap.Logger) *KafkaReleaseConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		Topic:             topic,
		MinBytes:          10e3,
		MaxBytes:          10e6,
		CommitInterval:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	})
	return &KafkaReleaseConsumer{reader: r, releaser: releaser, log: log, backoff: defaultBackOff}
}

func (c *KafkaReleaseConsumer) Run(ctx context.Context) error {
	c.log.Info("kafka release consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if stopped(ctx, err) {
				return nil
			}
			c.log.Error("fetch message", zap.Error(err))
			continue
		}
		if !c.handle(ctx, m) {
			// контекст отменён посреди повторов: без коммита, сообщение придёт снова
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if stopped(ctx, err) {
				return nil
			}
			c.log.Error("commit message", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

// permanent: повтор команды ничего не изменит.
func permanent(err error) bool {
	return errors.Is(err, service.ErrInvalidArgument) || errors.Is(err, service.ErrInvalidQuantity)
}

// handle возвращает false, только если обработку прервала отмена контекста.
func (c *KafkaReleaseConsumer) handle(ctx context.Context, m kafka.Message) bool {
	var cmd ReleaseCommand
	if err := json.Unmarshal(m.Value, &cmd); err != nil {
		c.log.Error("unmarshal release command", zap.ByteString("value", m.Value), zap.Error(err))
		return true
	}
	cmd.BusinessKey = strings.TrimSpace(cmd.BusinessKey)
	if cmd.BusinessKey == "" {
		c.log.Warn("invalid release command", zap.Any("msg", cmd))
		return true
	}

	var released bool
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		released, err = c.releaser.Release(ctx, cmd.BusinessKey)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("release reservation failed, retrying",
			zap.String("business_key", cmd.BusinessKey),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(c.backoff(), ctx))

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.log.Error("release reservation dropped",
			zap.String("business_key", cmd.BusinessKey),
			zap.String("reason", cmd.Reason),
			zap.Error(err),
		)
		return true
	}
	c.log.Info("release command handled",
		zap.String("business_key", cmd.BusinessKey),
		zap.String("reason", cmd.Reason),
		zap.Bool("released", released),
		zap.Int("attempts", attempt),
	)
	return true
}

func (c *KafkaReleaseConsumer) Close() error { return c.reader.Close() }
