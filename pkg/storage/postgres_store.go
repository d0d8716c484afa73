package storage

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/marketsim/pkg/app/core/account"
)

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	id     TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	name   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS portfolios (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	cash NUMERIC(20, 2) NOT NULL CHECK (cash >= 0)
);
CREATE TABLE IF NOT EXISTS holdings (
	portfolio_id  TEXT NOT NULL REFERENCES portfolios(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	quantity      BIGINT NOT NULL CHECK (quantity >= 0),
	cost_basis    NUMERIC(20, 4) NOT NULL DEFAULT 0,
	PRIMARY KEY (portfolio_id, instrument_id)
);
CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	match_id      TEXT NOT NULL,
	match_seq     BIGINT NOT NULL,
	portfolio_id  TEXT NOT NULL REFERENCES portfolios(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	side          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	price         NUMERIC(20, 4) NOT NULL,
	executed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_instrument_time ON transactions (instrument_id, executed_at);
CREATE TABLE IF NOT EXISTS daily_prices (
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	date          DATE NOT NULL,
	open          NUMERIC(20, 4) NOT NULL,
	high          NUMERIC(20, 4) NOT NULL,
	low           NUMERIC(20, 4) NOT NULL,
	close         NUMERIC(20, 4) NOT NULL,
	volume        BIGINT NOT NULL,
	PRIMARY KEY (instrument_id, date)
);`

// PostgresStore keeps the ledger in PostgreSQL. Each Tx is a serializable
// database transaction; holding and portfolio reads inside it lock the row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the ledger tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) Portfolio(ctx context.Context, id string) (*account.Portfolio, error) {
	return queryPortfolio(ctx, s.pool, id, false)
}

func (s *PostgresStore) Holding(ctx context.Context, portfolio, instrument string) (*account.Holding, error) {
	return queryHolding(ctx, s.pool, portfolio, instrument, false)
}

func (s *PostgresStore) Holdings(ctx context.Context, portfolio string) ([]account.Holding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT portfolio_id, instrument_id, quantity, cost_basis::text
		FROM holdings WHERE portfolio_id = $1 ORDER BY instrument_id`, portfolio)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var out []account.Holding
	for rows.Next() {
		var h account.Holding
		var basis string
		if err := rows.Scan(&h.Portfolio, &h.Instrument, &h.Quantity, &basis); err != nil {
			return nil, err
		}
		if h.CostBasis, err = decimal.NewFromString(basis); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Instruments(ctx context.Context) ([]account.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, symbol, name FROM instruments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []account.Instrument
	for rows.Next() {
		var i account.Instrument
		if err := rows.Scan(&i.ID, &i.Symbol, &i.Name); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transactions(ctx context.Context, instrument string, from, to time.Time) ([]account.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, match_id, match_seq, portfolio_id, instrument_id, side, kind, quantity, price::text, executed_at
		FROM transactions
		WHERE instrument_id = $1 AND executed_at >= $2 AND executed_at < $3
		ORDER BY executed_at, match_seq, id`, instrument, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []account.Transaction
	for rows.Next() {
		var (
			t                 account.Transaction
			seq               int64
			side, kind, price string
		)
		if err := rows.Scan(&t.ID, &t.MatchID, &seq, &t.Portfolio, &t.Instrument, &side, &kind, &t.Quantity, &price, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.MatchSeq = uint64(seq)
		if err := t.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		if err := t.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestPrice(ctx context.Context, instrument, before string) (*account.DailyPrice, error) {
	const cols = `SELECT instrument_id, date::text, open::text, high::text, low::text, close::text, volume FROM daily_prices`
	var row pgx.Row
	if before == "" {
		row = s.pool.QueryRow(ctx, cols+` WHERE instrument_id = $1 ORDER BY date DESC LIMIT 1`, instrument)
	} else {
		row = s.pool.QueryRow(ctx, cols+` WHERE instrument_id = $1 AND date < $2::date ORDER BY date DESC LIMIT 1`, instrument, before)
	}

	var (
		p                       account.DailyPrice
		open, high, low, closeP string
	)
	if err := row.Scan(&p.Instrument, &p.Date, &open, &high, &low, &closeP, &p.Volume); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query price: %w", err)
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&p.Open, open}, {&p.High, high}, {&p.Low, low}, {&p.Close, closeP}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Portfolio(ctx context.Context, id string) (*account.Portfolio, error) {
	return queryPortfolio(ctx, t.tx, id, true)
}

func (t *pgTx) Holding(ctx context.Context, portfolio, instrument string) (*account.Holding, error) {
	return queryHolding(ctx, t.tx, portfolio, instrument, true)
}

func (t *pgTx) PutPortfolio(ctx context.Context, p *account.Portfolio) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO portfolios (id, name, cash) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, cash = EXCLUDED.cash`,
		p.ID, p.Name, p.Cash.String())
	if err != nil {
		return fmt.Errorf("failed to save portfolio %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) PutHolding(ctx context.Context, h *account.Holding) error {
	if err := h.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO holdings (portfolio_id, instrument_id, quantity, cost_basis) VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (portfolio_id, instrument_id) DO UPDATE SET quantity = EXCLUDED.quantity, cost_basis = EXCLUDED.cost_basis`,
		h.Portfolio, h.Instrument, h.Quantity, h.CostBasis.String())
	if err != nil {
		return fmt.Errorf("failed to save holding %s/%s: %w", h.Portfolio, h.Instrument, err)
	}
	return nil
}

func (t *pgTx) PutInstrument(ctx context.Context, i account.Instrument) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO instruments (id, symbol, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET symbol = EXCLUDED.symbol, name = EXCLUDED.name`,
		i.ID, i.Symbol, i.Name)
	if err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", i.ID, err)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *account.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, match_id, match_seq, portfolio_id, instrument_id, side, kind, quantity, price, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)`,
		tr.ID, tr.MatchID, int64(tr.MatchSeq), tr.Portfolio, tr.Instrument,
		textOf(tr.Side), textOf(tr.Kind), tr.Quantity, tr.Price.String(), tr.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (t *pgTx) PutPrice(ctx context.Context, p *account.DailyPrice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO daily_prices (instrument_id, date, open, high, low, close, volume)
		VALUES ($1, $2::date, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (instrument_id, date) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume`,
		p.Instrument, p.Date, p.Open.String(), p.High.String(), p.Low.String(), p.Close.String(), p.Volume)
	if err != nil {
		return fmt.Errorf("failed to save price %s/%s: %w", p.Instrument, p.Date, err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryPortfolio(ctx context.Context, q querier, id string, lock bool) (*account.Portfolio, error) {
	sql := `SELECT id, name, cash::text FROM portfolios WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		p    account.Portfolio
		cash string
	)
	if err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.Name, &cash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query portfolio %s: %w", id, err)
	}
	var err error
	if p.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, err
	}
	return &p, nil
}

func queryHolding(ctx context.Context, q querier, portfolio, instrument string, lock bool) (*account.Holding, error) {
	sql := `SELECT portfolio_id, instrument_id, quantity, cost_basis::text FROM holdings WHERE portfolio_id = $1 AND instrument_id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		h     account.Holding
		basis string
	)
	if err := q.QueryRow(ctx, sql, portfolio, instrument).Scan(&h.Portfolio, &h.Instrument, &h.Quantity, &basis); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("holding %s/%s: %w", portfolio, instrument, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query holding: %w", err)
	}
	var err error
	if h.CostBasis, err = decimal.NewFromString(basis); err != nil {
		return nil, err
	}
	return &h, nil
}

func textOf(m encoding.TextMarshaler) string {
	b, _ := m.MarshalText()
	return string(b)
}
