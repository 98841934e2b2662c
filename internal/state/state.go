package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"autotrader/internal/interfaces"
	"autotrader/internal/types"
)

// ErrStateStore wraps every persistence failure so callers can branch on
// the category without knowing the driver.
var ErrStateStore = errors.New("state store error")

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = fmt.Errorf("%w: not found", ErrStateStore)

const defaultPIN = "1234"

// Store is the SQLite-backed system database: strategy instances, the
// append-only transaction log, and system configuration.
type Store struct {
	db *sql.DB
}

var _ interfaces.StateStore = (*Store)(nil)

// Open opens (creating if needed) the system database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir db dir: %v", ErrStateStore, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStateStore, err)
	}
	// Single connection keeps SQLite writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS algorithm_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_name TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			ticker TEXT NOT NULL,
			initial_capital TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			stopped_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id INTEGER NOT NULL REFERENCES algorithm_instances(id),
			type TEXT NOT NULL CHECK (type IN ('buy','sell')),
			shares INTEGER NOT NULL CHECK (shares > 0),
			price TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_instance ON transactions(instance_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrStateStore, err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO system_config (key, value) VALUES ('pin', ?) ON CONFLICT(key) DO NOTHING`,
		defaultPIN,
	)
	if err != nil {
		return fmt.Errorf("%w: seed config: %v", ErrStateStore, err)
	}
	return nil
}

// displayName builds the human-readable instance name, e.g.
// AAPL_SMACROSS_20260115_093000.
func displayName(ticker, strategyType string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s",
		strings.ToUpper(ticker),
		strings.ToUpper(strategyType),
		at.UTC().Format("20060102_150405"),
	)
}

func (s *Store) CreateInstance(ctx context.Context, ticker, strategyType string, capital decimal.Decimal) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO algorithm_instances (display_name, strategy_type, ticker, initial_capital, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		displayName(ticker, strategyType, now),
		strategyType,
		strings.ToUpper(ticker),
		capital.String(),
		types.StatusActive,
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: create instance: %v", ErrStateStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: create instance: %v", ErrStateStore, err)
	}
	return id, nil
}

func (s *Store) StopInstance(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE algorithm_instances SET status = ?, stopped_at = ? WHERE id = ? AND status = ?`,
		types.StatusStopped,
		time.Now().UTC().Format(time.RFC3339),
		id,
		types.StatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("%w: stop instance: %v", ErrStateStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: stop instance: %v", ErrStateStore, err)
	}
	return n > 0, nil
}

func (s *Store) GetInstance(ctx context.Context, id int64) (*types.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, strategy_type, ticker, initial_capital, status, created_at, stopped_at
		 FROM algorithm_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get instance: %v", ErrStateStore, err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, status string) ([]types.Instance, error) {
	query := `SELECT id, display_name, strategy_type, ticker, initial_capital, status, created_at, stopped_at
		 FROM algorithm_instances`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list instances: %v", ErrStateStore, err)
	}
	defer rows.Close()

	var out []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list instances: %v", ErrStateStore, err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list instances: %v", ErrStateStore, err)
	}
	return out, nil
}

func (s *Store) AppendTransaction(ctx context.Context, instanceID int64, txType types.Action, shares int, price decimal.Decimal) (int64, error) {
	if txType != types.ActionBuy && txType != types.ActionSell {
		return 0, fmt.Errorf("%w: invalid transaction type %q", ErrStateStore, txType)
	}
	if shares <= 0 {
		return 0, fmt.Errorf("%w: shares must be positive, got %d", ErrStateStore, shares)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (instance_id, type, shares, price, timestamp) VALUES (?, ?, ?, ?, ?)`,
		instanceID,
		string(txType),
		shares,
		price.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: append transaction: %v", ErrStateStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: append transaction: %v", ErrStateStore, err)
	}
	return id, nil
}

func (s *Store) ListTransactions(ctx context.Context, instanceID int64) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, type, shares, price, timestamp
		 FROM transactions WHERE instance_id = ? ORDER BY timestamp ASC, id ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrStateStore, err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var (
			tx       types.Transaction
			txType   string
			priceStr string
			tsStr    string
		)
		if err := rows.Scan(&tx.ID, &tx.InstanceID, &txType, &tx.Shares, &priceStr, &tsStr); err != nil {
			return nil, fmt.Errorf("%w: list transactions: %v", ErrStateStore, err)
		}
		tx.Type = types.Action(txType)
		if tx.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("%w: parse price %q: %v", ErrStateStore, priceStr, err)
		}
		if tx.Timestamp, err = time.Parse(time.RFC3339, tsStr); err != nil {
			return nil, fmt.Errorf("%w: parse timestamp %q: %v", ErrStateStore, tsStr, err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrStateStore, err)
	}
	return out, nil
}

func (s *Store) PIN(ctx context.Context) (string, error) {
	var pin string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = 'pin'`).Scan(&pin)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultPIN, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read pin: %v", ErrStateStore, err)
	}
	return pin, nil
}

// SetPIN updates the access PIN.
func (s *Store) SetPIN(ctx context.Context, pin string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value) VALUES ('pin', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, pin)
	if err != nil {
		return fmt.Errorf("%w: set pin: %v", ErrStateStore, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*types.Instance, error) {
	var (
		inst       types.Instance
		capitalStr string
		createdStr string
		stoppedStr sql.NullString
	)
	err := r.Scan(&inst.ID, &inst.DisplayName, &inst.StrategyType, &inst.Ticker,
		&capitalStr, &inst.Status, &createdStr, &stoppedStr)
	if err != nil {
		return nil, err
	}
	if inst.InitialCapital, err = decimal.NewFromString(capitalStr); err != nil {
		return nil, fmt.Errorf("parse capital %q: %w", capitalStr, err)
	}
	if inst.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdStr, err)
	}
	if stoppedStr.Valid {
		t, err := time.Parse(time.RFC3339, stoppedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse stopped_at %q: %w", stoppedStr.String, err)
		}
		inst.StoppedAt = &t
	}
	return &inst, nil
}
