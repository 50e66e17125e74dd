package producer

import (
	"context"
	"encoding/json"
	"time"

	"stock-service/internal/service"

	"github.com/segmentio/kafka-go"
)

// messageWriter: часть kafka.Writer, нужная продюсеру.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StockEventProducer публикует события остатков; ключ сообщения: sku:warehouse,
// поэтому события одной строки попадают в одну партицию и сохраняют порядок.
type StockEventProducer struct {
	writer messageWriter
}

func NewStockEventProducer(brokers []string, topic string) *StockEventProducer {
	return &StockEventProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *StockEventProducer) Publish(ctx context.Context, ev service.StockEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SkuID + ":" + ev.WarehouseID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
}

func (p *StockEventProducer) Close() error {
	return p.writer.Close()
}
