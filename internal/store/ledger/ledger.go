package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry 本地幂等账本中的一条下单记录，以 client order id 为主键。
type Entry struct {
	ClientOrderID string
	RunID         string
	Asset         string
	Symbol        string
	Side          string
	Quantity      string
	OrderID       string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ledger remembers every client order id the engine has ever submitted, so a
// restarted process reconciles instead of resubmitting.
type Ledger struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	now  func() time.Time
}

func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, path: path, now: time.Now}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS order_ledger (
			client_order_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			symbol TEXT,
			side TEXT,
			quantity TEXT,
			order_id TEXT,
			status TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_ledger_run ON order_ledger(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}

func (l *Ledger) conn() (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, fmt.Errorf("ledger 未初始化")
	}
	return l.db, nil
}

// Close 关闭底层 DB。
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Get looks up a client order id.
func (l *Ledger) Get(ctx context.Context, clientOrderID string) (Entry, bool, error) {
	db, err := l.conn()
	if err != nil {
		return Entry{}, false, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT client_order_id, run_id, asset, symbol, side, quantity, order_id, status, created_at, updated_at
		FROM order_ledger WHERE client_order_id = ?`, clientOrderID)
	var (
		e                 Entry
		symbol, side, qty sql.NullString
		orderID, status   sql.NullString
		created, updated  int64
	)
	err = row.Scan(&e.ClientOrderID, &e.RunID, &e.Asset, &symbol, &side, &qty, &orderID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Symbol, e.Side, e.Quantity = symbol.String, side.String, qty.String
	e.OrderID, e.Status = orderID.String, status.String
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return e, true, nil
}

// Reserve records the intent to submit before the exchange call. An existing
// row is left untouched; the boolean reports whether this call inserted it.
func (l *Ledger) Reserve(ctx context.Context, e Entry) (bool, error) {
	db, err := l.conn()
	if err != nil {
		return false, err
	}
	ts := l.now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_ledger
			(client_order_id, run_id, asset, symbol, side, quantity, order_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientOrderID, e.RunID, e.Asset, e.Symbol, e.Side, e.Quantity, e.OrderID, e.Status, ts, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update stores the exchange order id and latest status.
func (l *Ledger) Update(ctx context.Context, clientOrderID, orderID, status string) error {
	db, err := l.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE order_ledger SET
			order_id = CASE WHEN ? <> '' THEN ? ELSE order_id END,
			status = ?, updated_at = ?
		WHERE client_order_id = ?`,
		orderID, orderID, status, l.now().UnixMilli(), clientOrderID)
	return err
}

// ByRun lists entries of one run, oldest first.
func (l *Ledger) ByRun(ctx context.Context, runID string) ([]Entry, error) {
	db, err := l.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT client_order_id FROM order_ledger WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, ok, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}
