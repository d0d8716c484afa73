package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/app/exchange"
)

// API request and response types for REST endpoints and stream messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Owner      string          `json:"owner"` // portfolio id; empty for administrative orders
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`  // "buy" or "sell"
	Type       string          `json:"type"`  // "market" or "limit"
	Price      decimal.Decimal `json:"price"` // omitted for market orders
	Volume     int64           `json:"volume"`
}

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse reports the order after matching. Error is set when a
// settlement failed part way; Matches then holds what settled before it.
type SubmitOrderResponse struct {
	Status  string            `json:"status"` // "filled", "partially_filled", "open", "unfilled"
	Order   orderbook.Order   `json:"order"`
	Matches []orderbook.Match `json:"matches"`
	Filled  int64             `json:"filled"`
	Rested  bool              `json:"rested"`
	Error   string            `json:"error,omitempty"`
}

type CancelOrderResponse struct {
	Removed bool `json:"removed"`
}

type SessionInfo struct {
	State string `json:"state"` // "open" or "closed"
	Open  bool   `json:"open"`
}

// SessionCloseResponse lists the daily prices written at close
type SessionCloseResponse struct {
	SessionInfo
	Prices []account.DailyPrice `json:"prices"`
}

type ReferencePriceResponse struct {
	Instrument string           `json:"instrument"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Available  bool             `json:"available"`
}

type PortfolioInfo struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Cash     decimal.Decimal   `json:"cash"`
	Holdings []account.Holding `json:"holdings"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Stream Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["book:ACME", "book:*"]
}

// BookUpdate is pushed to stream subscribers after every book change
type BookUpdate struct {
	Type    string                `json:"type"` // "book"
	Channel string                `json:"channel"`
	Data    exchange.BookSnapshot `json:"data"`
}

func newSubmitOrderResponse(res *exchange.SubmitResult) SubmitOrderResponse {
	filled := res.Filled()
	resp := SubmitOrderResponse{
		Order:   res.Order,
		Matches: res.Matches,
		Filled:  filled,
		Rested:  res.Rested,
	}
	if resp.Matches == nil {
		resp.Matches = []orderbook.Match{}
	}
	switch {
	case res.Order.Volume == 0:
		resp.Status = "filled"
	case filled > 0:
		resp.Status = "partially_filled"
	case res.Rested:
		resp.Status = "open"
	default:
		resp.Status = "unfilled"
	}
	return resp
}
