package execution

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// Journal persists orders and decisions to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id       TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		order_id        TEXT,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		qty             REAL NOT NULL,
		price           REAL NOT NULL,
		fill_price      REAL DEFAULT 0,
		status          TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

	CREATE TABLE IF NOT EXISTS decisions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT NOT NULL,
		ts          INTEGER NOT NULL,
		direction   TEXT NOT NULL,
		confidence  REAL NOT NULL,
		size_mult   REAL NOT NULL,
		stop_loss   REAL,
		take_profit REAL,
		reasons     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	logger := logging.Component("journal")
	logger.Info().Str("path", dbPath).Msg("trade journal opened")
	return &Journal{db: db}, nil
}

// RecordOrder persists a submitted order.
func (j *Journal) RecordOrder(rec model.IntentRecord, result model.SubmitResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO orders (intent_id, client_order_id, order_id, symbol, side, qty, price, fill_price, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.IntentID,
		rec.ClientOrderID,
		rec.OrderID,
		rec.Symbol,
		string(rec.Side),
		rec.Quantity,
		rec.Price,
		result.FillPrice,
		rec.Status,
		rec.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// RecordDecision persists a non-flat trade decision.
func (j *Journal) RecordDecision(d model.TradeDecision) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	reasons := ""
	for i, tag := range d.ReasonTags {
		if i > 0 {
			reasons += ","
		}
		reasons += tag
	}
	_, err := j.db.Exec(
		`INSERT INTO decisions (symbol, ts, direction, confidence, size_mult, stop_loss, take_profit, reasons)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Symbol, d.TS, string(d.Direction), d.Confidence, d.SizeMultiplier,
		d.StopLossPrice, d.TakeProfit, reasons,
	)
	return err
}

// OrderRecord is one row from the orders table.
type OrderRecord struct {
	ID            int64   `json:"id"`
	IntentID      string  `json:"intent_id"`
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	FillPrice     float64 `json:"fill_price"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

// RecentOrders returns the last N orders, newest first.
func (j *Journal) RecentOrders(limit int) ([]OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, intent_id, client_order_id, COALESCE(order_id, ''), symbol, side, qty, price, fill_price, status, created_at
		 FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.IntentID, &o.ClientOrderID, &o.OrderID, &o.Symbol,
			&o.Side, &o.Qty, &o.Price, &o.FillPrice, &o.Status, &o.CreatedAt); err != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DecisionRecord is one row from the decisions table.
type DecisionRecord struct {
	ID         int64   `json:"id"`
	Symbol     string  `json:"symbol"`
	TS         int64   `json:"ts"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	SizeMult   float64 `json:"size_mult"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Reasons    string  `json:"reasons"`
	CreatedAt  string  `json:"created_at"`
}

// RecentDecisions returns the last N decisions, newest first.
func (j *Journal) RecentDecisions(limit int) ([]DecisionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, symbol, ts, direction, confidence, size_mult, COALESCE(stop_loss, 0), COALESCE(take_profit, 0), COALESCE(reasons, ''), created_at
		 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.Symbol, &d.TS, &d.Direction, &d.Confidence,
			&d.SizeMult, &d.StopLoss, &d.TakeProfit, &d.Reasons, &d.CreatedAt); err != nil {
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// DB exposes the handle for liveness probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
