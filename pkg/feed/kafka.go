package feed

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/exchange"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSink publishes book updates to topic, keyed by instrument so that
// one instrument's updates stay ordered within a partition.
func NewKafkaSink(brokers []string, topic string, buffer int, log *zap.SugaredLogger) *Sink {
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, buffer, log)
}

func newKafkaSink(w MessageWriter, buffer int, log *zap.SugaredLogger) *Sink {
	send := func(ctx context.Context, snap exchange.BookSnapshot, payload []byte) error {
		return w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(snap.Instrument),
			Value: payload,
			Time:  snap.Timestamp,
		})
	}
	return newSink("kafka", buffer, send, w.Close, log)
}
