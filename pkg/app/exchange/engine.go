package exchange

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/market"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/app/core/session"
	"github.com/uhyunpark/marketsim/pkg/app/core/settlement"
	"github.com/uhyunpark/marketsim/pkg/metrics"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var (
	ErrInvalidOrder  = orderbook.ErrInvalidOrder
	ErrSessionClosed = errors.New("trading session is closed")
	ErrStopped       = errors.New("engine stopped")
	ErrRunning       = errors.New("engine already running")
)

// BookSnapshot is the published view of one instrument's book.
type BookSnapshot = orderbook.Snapshot

// SubmitResult is the accepted order after matching plus every match that
// settled.
type SubmitResult = orderbook.Result

// OrderRequest is an already validated client order. The engine assigns the
// id, arrival sequence and timestamp.
type OrderRequest struct {
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Side       orderbook.Side  `json:"side"`
	Kind       orderbook.Kind  `json:"kind"`
	Price      decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
}

func (r OrderRequest) order(id string) orderbook.Order {
	return orderbook.Order{
		ID:         id,
		Owner:      r.Owner,
		Instrument: r.Instrument,
		Side:       r.Side,
		Kind:       r.Kind,
		Price:      r.Price,
		Volume:     r.Volume,
	}
}

// Publisher receives a fresh snapshot after every change to a book.
// Publish is called from the engine worker and must not block.
type Publisher interface {
	Publish(BookSnapshot)
}

type PublisherFunc func(BookSnapshot)

func (f PublisherFunc) Publish(s BookSnapshot) { f(s) }

type Settler interface {
	Settle(ctx context.Context, m orderbook.Match) error
}

type Options struct {
	Book      *orderbook.Book
	Settler   Settler
	Session   *session.Controller
	Registry  *market.Registry
	Journal   storage.Journal
	Publisher Publisher
	Clock     util.Clock
	Logger    *zap.SugaredLogger
	Depth     int
	QueueSize int
}

type cmdType int

const (
	cmdSubmit cmdType = iota
	cmdCancel
	cmdActivate
	cmdDeactivate
)

func (t cmdType) String() string {
	switch t {
	case cmdSubmit:
		return "submit"
	case cmdCancel:
		return "cancel"
	case cmdActivate:
		return "activate"
	case cmdDeactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

type command struct {
	typ     cmdType
	order   orderbook.Order
	orderID string
	reply   chan reply
}

type reply struct {
	result  orderbook.Result
	removed bool
	prices  []account.DailyPrice
	err     error
}

// Engine owns the order book. Every mutation runs as a command on a single
// worker goroutine, so one order's matching and all of its settlement calls
// complete before the next command starts. Snapshot reads never touch the
// book: they are served from an immutable map the worker replaces after
// each change.
type Engine struct {
	book     *orderbook.Book
	settler  Settler
	session  *session.Controller
	registry *market.Registry
	journal  storage.Journal
	pub      Publisher
	clock    util.Clock
	log      *zap.SugaredLogger
	depth    int

	cmds    chan *command
	done    chan struct{}
	running atomic.Bool
	snaps   atomic.Pointer[map[string]BookSnapshot]
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Book == nil {
		opts.Book = orderbook.New(opts.Clock)
	}
	if opts.Journal == nil {
		opts.Journal = storage.NewNopJournal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Depth <= 0 {
		opts.Depth = 2
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	e := &Engine{
		book:     opts.Book,
		settler:  opts.Settler,
		session:  opts.Session,
		registry: opts.Registry,
		journal:  opts.Journal,
		pub:      opts.Publisher,
		clock:    opts.Clock,
		log:      opts.Logger,
		depth:    opts.Depth,
		cmds:     make(chan *command, opts.QueueSize),
		done:     make(chan struct{}),
	}
	empty := make(map[string]BookSnapshot)
	e.snaps.Store(&empty)

	e.book.OnMatch = func(m orderbook.Match) {
		metrics.Matches.WithLabelValues(m.Instrument, m.Kind.String()).Inc()
		e.publish(m.Instrument)
	}
	if e.session != nil && e.session.IsOpen() {
		metrics.SessionOpen.Set(1)
	}
	return e
}

// Run processes commands until ctx ends. Store calls made by the worker use
// a context detached from ctx so that shutdown never interrupts a
// settlement halfway.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(e.done)

	storeCtx := context.WithoutCancel(ctx)
	e.log.Infow("engine_started", "depth", e.depth, "queue", cap(e.cmds))
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("engine_stopped", "resting", e.book.Resting())
			return ctx.Err()
		case c := <-e.cmds:
			start := time.Now()
			c.reply <- e.handle(storeCtx, c)
			metrics.ProcessingDurations.WithLabelValues(c.typ.String()).Observe(time.Since(start).Seconds())
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) handle(ctx context.Context, c *command) reply {
	switch c.typ {
	case cmdSubmit:
		return e.submit(ctx, c.order)
	case cmdCancel:
		return e.cancel(c.orderID)
	case cmdActivate:
		return e.activate()
	case cmdDeactivate:
		return e.deactivate(ctx)
	default:
		return reply{err: fmt.Errorf("unknown command %d", c.typ)}
	}
}

// do hands c to the worker and waits for its reply. If the caller's context
// ends first the command may still run; only the reply is abandoned.
func (e *Engine) do(ctx context.Context, c *command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-e.done:
		return reply{}, ErrStopped
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-e.done:
		select {
		case r := <-c.reply:
			return r, nil
		default:
			return reply{}, ErrStopped
		}
	}
}

// Submit matches one order. On a settlement failure the returned result
// still carries the matches that settled before it, and the error is a
// *settlement.Error.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	if !e.IsOpen() {
		metrics.OrdersRejected.WithLabelValues("session_closed").Inc()
		return nil, ErrSessionClosed
	}
	if e.registry != nil && !e.registry.Exists(req.Instrument) {
		metrics.OrdersRejected.WithLabelValues("unknown_instrument").Inc()
		return nil, fmt.Errorf("%w: unknown instrument %q", ErrInvalidOrder, req.Instrument)
	}
	o := req.order(uuid.NewString())
	if err := o.Validate(); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	r, err := e.do(ctx, &command{typ: cmdSubmit, order: o})
	if err != nil {
		return nil, err
	}
	if errors.Is(r.err, ErrSessionClosed) {
		return nil, r.err
	}
	res := r.result
	return &res, r.err
}

func (e *Engine) submit(ctx context.Context, o orderbook.Order) reply {
	// the session may have closed while the order was queued
	if !e.IsOpen() {
		metrics.OrdersRejected.WithLabelValues("session_closed").Inc()
		return reply{err: ErrSessionClosed}
	}

	var settle orderbook.SettleFunc
	if e.settler != nil {
		settle = func(m orderbook.Match) error { return e.settler.Settle(ctx, m) }
	}
	res, err := e.book.Submit(o, settle)
	if err != nil && !errors.As(err, new(*settlement.Error)) {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return reply{result: res, err: err}
	}

	metrics.OrdersSubmitted.WithLabelValues(o.Kind.String(), o.Side.String()).Inc()
	if err != nil {
		metrics.SettlementFailures.Inc()
	}
	// matches were published as they settled; a remainder rests after them
	if res.Rested {
		e.publish(o.Instrument)
	}
	metrics.RestingOrders.Set(float64(e.book.Resting()))

	e.record("order", res)
	if err != nil {
		e.log.Warnw("order_partially_settled",
			"order", res.Order.ID,
			"instrument", o.Instrument,
			"matched", res.Filled(),
			"err", err)
	} else {
		e.log.Debugw("order_processed",
			"order", res.Order.ID,
			"instrument", o.Instrument,
			"side", o.Side,
			"matches", len(res.Matches),
			"rested", res.Rested)
	}
	return reply{result: res, err: err}
}

// Cancel removes a resting order. It reports false, with no error, when the
// order is unknown or already filled.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	r, err := e.do(ctx, &command{typ: cmdCancel, orderID: id})
	if err != nil {
		return false, err
	}
	return r.removed, r.err
}

func (e *Engine) cancel(id string) reply {
	o, ok := e.book.Order(id)
	removed := ok && e.book.Cancel(id)
	metrics.Cancels.WithLabelValues(strconv.FormatBool(removed)).Inc()
	if !removed {
		return reply{}
	}
	e.publish(o.Instrument)
	metrics.RestingOrders.Set(float64(e.book.Resting()))
	e.record("cancel", map[string]string{"id": id, "instrument": o.Instrument})
	return reply{removed: true}
}

func (e *Engine) Activate(ctx context.Context) error {
	r, err := e.do(ctx, &command{typ: cmdActivate})
	if err != nil {
		return err
	}
	return r.err
}

func (e *Engine) activate() reply {
	if e.session == nil {
		return reply{err: errors.New("no session controller")}
	}
	wasOpen := e.session.IsOpen()
	e.session.Activate()
	metrics.SessionOpen.Set(1)
	if !wasOpen {
		e.record("session_opened", nil)
	}
	return reply{}
}

// Deactivate writes today's closing prices, clears the book and closes the
// session. On error none of that has happened.
func (e *Engine) Deactivate(ctx context.Context) ([]account.DailyPrice, error) {
	r, err := e.do(ctx, &command{typ: cmdDeactivate})
	if err != nil {
		return nil, err
	}
	return r.prices, r.err
}

func (e *Engine) deactivate(ctx context.Context) reply {
	if e.session == nil {
		return reply{err: errors.New("no session controller")}
	}
	prices, err := e.session.Deactivate(ctx, e.book.Clear)
	if err != nil {
		e.log.Errorw("session_close_failed", "err", err)
		return reply{err: err}
	}
	metrics.SessionOpen.Set(0)
	metrics.RestingOrders.Set(0)

	for _, id := range e.known() {
		e.publish(id)
	}
	e.record("session_closed", prices)
	return reply{prices: prices}
}

func (e *Engine) IsOpen() bool {
	return e.session != nil && e.session.IsOpen()
}

// Snapshot returns the latest published view of one instrument. Unknown or
// untouched instruments yield an empty book.
func (e *Engine) Snapshot(instrument string) BookSnapshot {
	if s, ok := (*e.snaps.Load())[instrument]; ok {
		return s
	}
	return BookSnapshot{
		Instrument: instrument,
		Bids:       []orderbook.PriceLevel{},
		Asks:       []orderbook.PriceLevel{},
	}
}

// Snapshots lists every registered or traded instrument ordered by id.
func (e *Engine) Snapshots() []BookSnapshot {
	ids := e.known()
	out := make([]BookSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.Snapshot(id))
	}
	return out
}

func (e *Engine) known() []string {
	seen := make(map[string]struct{})
	for id := range *e.snaps.Load() {
		seen[id] = struct{}{}
	}
	if e.registry != nil {
		for _, ins := range e.registry.List() {
			seen[ins.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReferencePrice is the latest close of instrument. ok is false when the
// instrument has no price history yet.
func (e *Engine) ReferencePrice(ctx context.Context, instrument string) (price decimal.Decimal, ok bool, err error) {
	if e.registry == nil {
		return decimal.Zero, false, nil
	}
	p, err := e.registry.ReferencePrice(ctx, instrument)
	if errors.Is(err, market.ErrNoReferencePrice) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return p, true, nil
}

func (e *Engine) Instruments() []account.Instrument {
	if e.registry == nil {
		return nil
	}
	return e.registry.List()
}

// publish must only be called from the worker.
func (e *Engine) publish(instrument string) {
	snap := e.book.Snapshot(instrument, e.depth)

	old := *e.snaps.Load()
	next := make(map[string]BookSnapshot, len(old)+1)
	maps.Copy(next, old)
	next[instrument] = snap
	e.snaps.Store(&next)

	if e.pub != nil {
		e.pub.Publish(snap)
	}
}

func (e *Engine) record(event string, data any) {
	if err := e.journal.Append(storage.Entry{Time: e.clock.Now(), Event: event, Data: data}); err != nil {
		e.log.Warnw("journal_append_failed", "event", event, "err", err)
	}
}
