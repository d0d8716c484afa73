package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/params"
	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/market"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/app/core/session"
	"github.com/uhyunpark/marketsim/pkg/app/core/settlement"
	"github.com/uhyunpark/marketsim/pkg/app/exchange"
	"github.com/uhyunpark/marketsim/pkg/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 16

// Exchange is the engine surface the API serves
type Exchange interface {
	Submit(ctx context.Context, req exchange.OrderRequest) (*exchange.SubmitResult, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Snapshot(instrument string) exchange.BookSnapshot
	Snapshots() []exchange.BookSnapshot
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) ([]account.DailyPrice, error)
	IsOpen() bool
	ReferencePrice(ctx context.Context, instrument string) (decimal.Decimal, bool, error)
	Instruments() []account.Instrument
}

// Ledger is the read side of the balance store
type Ledger interface {
	Portfolio(ctx context.Context, id string) (*account.Portfolio, error)
	Holdings(ctx context.Context, portfolio string) ([]account.Holding, error)
}

// Server handles REST API, WebSocket and SSE connections
type Server struct {
	exchange Exchange
	ledger   Ledger
	router   *mux.Router
	hub      *Hub    // WebSocket hub
	stream   *Broker // SSE broker
	http     *http.Server
	cfg      params.API
	log      *zap.SugaredLogger
}

func NewServer(ex Exchange, ledger Ledger, cfg params.API, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		exchange: ex,
		ledger:   ledger,
		router:   mux.NewRouter(),
		cfg:      cfg,
		log:      log,
	}
	s.hub = NewHub(s.current, log)
	s.stream = NewBroker(s.current, log)

	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Book endpoints
	api.HandleFunc("/book", s.handleGetBooks).Methods("GET")
	api.HandleFunc("/book/{instrument}", s.handleGetBook).Methods("GET")

	// Session endpoints
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session/start", s.handleStartSession).Methods("POST")
	api.HandleFunc("/session/stop", s.handleStopSession).Methods("POST")

	// Instrument endpoints
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{id}/reference-price", s.handleGetReferencePrice).Methods("GET")

	// Portfolio endpoints
	api.HandleFunc("/portfolios/{id}", s.handleGetPortfolio).Methods("GET")

	// Streams
	api.Handle("/stream", s.stream).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Ops
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler is the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Publish fans a book update out to WebSocket and SSE subscribers
func (s *Server) Publish(snap exchange.BookSnapshot) {
	s.hub.Publish(snap)
	s.stream.Publish(snap)
}

// Start runs the hub and serves HTTP until Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.log.Infow("api_server_starting", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes open streams and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Close()
	return s.http.Shutdown(ctx)
}

// current resolves a stream channel to the snapshots it starts from
func (s *Server) current(channel string) []exchange.BookSnapshot {
	if channel == allBooksChannel {
		return s.exchange.Snapshots()
	}
	return []exchange.BookSnapshot{s.exchange.Snapshot(channel[len(bookChannelPrefix):])}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	kind, err := orderbook.ParseKind(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	res, err := s.exchange.Submit(r.Context(), exchange.OrderRequest{
		Owner:      req.Owner,
		Instrument: req.Instrument,
		Side:       side,
		Kind:       kind,
		Price:      req.Price,
		Volume:     req.Volume,
	})

	var se *settlement.Error
	switch {
	case err == nil:
		respondJSON(w, newSubmitOrderResponse(res))
	case errors.As(err, &se) && res != nil:
		resp := newSubmitOrderResponse(res)
		resp.Error = err.Error()
		respondJSONStatus(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, exchange.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, exchange.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session closed", err.Error())
	default:
		s.respondEngineError(w, "order failed", err)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	removed, err := s.exchange.Cancel(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, "cancel failed", err)
		return
	}
	respondJSON(w, CancelOrderResponse{Removed: removed})
}

func (s *Server) handleGetBooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.exchange.Snapshots())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	if !s.knownInstrument(instrument) {
		respondError(w, http.StatusNotFound, "instrument not found", instrument)
		return
	}
	respondJSON(w, s.exchange.Snapshot(instrument))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.sessionInfo())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if err := s.exchange.Activate(r.Context()); err != nil {
		s.respondEngineError(w, "session start failed", err)
		return
	}
	respondJSON(w, s.sessionInfo())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	prices, err := s.exchange.Deactivate(r.Context())
	if errors.Is(err, session.ErrAlreadyClosed) {
		respondError(w, http.StatusConflict, "session already closed", err.Error())
		return
	}
	if err != nil {
		s.respondEngineError(w, "session stop failed", err)
		return
	}
	if prices == nil {
		prices = []account.DailyPrice{}
	}
	respondJSON(w, SessionCloseResponse{SessionInfo: s.sessionInfo(), Prices: prices})
}

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := s.exchange.Instruments()
	if instruments == nil {
		instruments = []account.Instrument{}
	}
	respondJSON(w, instruments)
}

func (s *Server) handleGetReferencePrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	price, ok, err := s.exchange.ReferencePrice(r.Context(), id)
	if errors.Is(err, market.ErrUnknownInstrument) {
		respondError(w, http.StatusNotFound, "instrument not found", id)
		return
	}
	if err != nil {
		s.log.Errorw("reference_price_failed", "instrument", id, "err", err)
		respondError(w, http.StatusInternalServerError, "reference price lookup failed", err.Error())
		return
	}

	resp := ReferencePriceResponse{Instrument: id, Available: ok}
	if ok {
		resp.Price = &price
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := s.ledger.Portfolio(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "portfolio not found", id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "portfolio lookup failed", err.Error())
		return
	}
	holdings, err := s.ledger.Holdings(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "holdings lookup failed", err.Error())
		return
	}
	if holdings == nil {
		holdings = []account.Holding{}
	}

	respondJSON(w, PortfolioInfo{ID: p.ID, Name: p.Name, Cash: p.Cash, Holdings: holdings})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) sessionInfo() SessionInfo {
	state := session.Closed
	if s.exchange.IsOpen() {
		state = session.Open
	}
	return SessionInfo{State: state.String(), Open: state == session.Open}
}

func (s *Server) knownInstrument(id string) bool {
	for _, ins := range s.exchange.Instruments() {
		if ins.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) respondEngineError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, exchange.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, msg, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, msg, err.Error())
	default:
		s.log.Errorw("request_failed", "msg", msg, "err", err)
		respondError(w, http.StatusInternalServerError, msg, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
