package api

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/exchange"
	"github.com/uhyunpark/marketsim/pkg/metrics"
)

// Broker streams book updates as server-sent events. A subscriber may
// narrow the stream to one instrument with ?instrument=ID.
type Broker struct {
	mu     sync.RWMutex
	subs   map[chan []byte]string // subscriber -> instrument filter, "" for all
	closed bool

	current func(channel string) []exchange.BookSnapshot
	log     *zap.SugaredLogger
}

func NewBroker(current func(channel string) []exchange.BookSnapshot, log *zap.SugaredLogger) *Broker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broker{
		subs:    make(map[chan []byte]string),
		current: current,
		log:     log,
	}
}

func (b *Broker) Publish(snap exchange.BookSnapshot) {
	message, err := json.Marshal(snap)
	if err != nil {
		b.log.Errorw("sse_marshal_failed", "instrument", snap.Instrument, "err", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != "" && filter != snap.Instrument {
			continue
		}
		select {
		case ch <- message:
		default:
			metrics.PublishDropped.WithLabelValues("sse").Inc()
		}
	}
}

func (b *Broker) subscribe(filter string) (chan []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	ch := make(chan []byte, 64)
	b.subs[ch] = filter
	return ch, true
}

func (b *Broker) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close ends every open stream.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	filter := r.URL.Query().Get("instrument")
	ch, ok := b.subscribe(filter)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "stream closed", "")
		return
	}
	defer b.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	channel := allBooksChannel
	if filter != "" {
		channel = bookChannelPrefix + filter
	}
	if b.current != nil {
		for _, snap := range b.current(channel) {
			if message, err := json.Marshal(snap); err == nil {
				fmt.Fprintf(w, "event: book\ndata: %s\n\n", message)
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case message, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: book\ndata: %s\n\n", message); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
