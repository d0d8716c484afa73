package feed

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/exchange"
	"github.com/uhyunpark/marketsim/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fanout hands every snapshot to each publisher in turn.
type Fanout []exchange.Publisher

func (f Fanout) Publish(snap exchange.BookSnapshot) {
	for _, p := range f {
		p.Publish(snap)
	}
}

type sendFunc func(ctx context.Context, snap exchange.BookSnapshot, payload []byte) error

// Sink decouples a network publisher from the engine worker. Publish never
// blocks: updates queue in a bounded buffer and are dropped when it is full.
type Sink struct {
	name  string
	queue chan exchange.BookSnapshot
	send  sendFunc
	close func() error
	log   *zap.SugaredLogger
}

func newSink(name string, buffer int, send sendFunc, closeFn func() error, log *zap.SugaredLogger) *Sink {
	if buffer <= 0 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sink{
		name:  name,
		queue: make(chan exchange.BookSnapshot, buffer),
		send:  send,
		close: closeFn,
		log:   log,
	}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Publish(snap exchange.BookSnapshot) {
	select {
	case s.queue <- snap:
	default:
		metrics.PublishDropped.WithLabelValues(s.name).Inc()
	}
}

// Run delivers queued updates until ctx ends. Delivery failures are logged
// and the update is lost; the feed is best effort.
func (s *Sink) Run(ctx context.Context) {
	s.log.Infow("feed_started", "sink", s.name)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("feed_stopped", "sink", s.name, "pending", len(s.queue))
			return
		case snap := <-s.queue:
			payload, err := json.Marshal(snap)
			if err != nil {
				s.log.Errorw("feed_marshal_failed", "sink", s.name, "instrument", snap.Instrument, "err", err)
				continue
			}
			if err := s.send(ctx, snap, payload); err != nil {
				metrics.PublishDropped.WithLabelValues(s.name).Inc()
				s.log.Warnw("feed_send_failed", "sink", s.name, "instrument", snap.Instrument, "err", err)
			}
		}
	}
}

func (s *Sink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
