package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Each order runs in one transaction whose cash and position changes are
// conditional UPDATE … RETURNING statements, so the funds/holdings check
// and the mutation are a single compare-and-update.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.ID, a.Cash.String(), a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountExists)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cash::TEXT, created_at, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var cash string
		if err := rows.Scan(&a.ID, &cash, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Cash, _ = decimal.NewFromString(cash)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AccountSnapshot reads the account, its positions and optionally its
// transactions in one read-only REPEATABLE READ transaction, so every part
// reflects the same committed orders.
func (s *PostgresStore) AccountSnapshot(ctx context.Context, accountID string, withTransactions bool) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{}
	if snap.Account, err = getAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	if snap.Positions, err = listPositions(ctx, tx, accountID); err != nil {
		return nil, err
	}
	if withTransactions {
		if snap.Transactions, err = listTransactions(ctx, tx, accountID, ""); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return snap, nil
}

func (s *PostgresStore) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var cash string
	err := s.pool.QueryRow(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC, updated_at = now()
		 WHERE id = $1 RETURNING cash::TEXT`,
		accountID, amount.String()).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, mapPgError(err)
	}
	d, _ := decimal.NewFromString(cash)
	return d, nil
}

func (s *PostgresStore) ApplyBuy(ctx context.Context, o BuyOrder) (*model.Fill, error) {
	notional := o.Price.Mul(decimal.NewFromInt(o.Quantity))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin buy: %w", err)
	}
	defer tx.Rollback(ctx)

	var cashS string
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET cash = cash - $2::NUMERIC, updated_at = $3
		 WHERE id = $1 AND cash >= $2::NUMERIC
		 RETURNING cash::TEXT`,
		o.AccountID, notional.String(), o.Timestamp).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		current, lookupErr := accountCash(ctx, tx, o.AccountID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, model.InsufficientFunds(o.Symbol, notional, current)
	}
	if err != nil {
		return nil, mapPgError(err)
	}

	var remaining int64
	err = tx.QueryRow(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, entry_price, opened_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET quantity = positions.quantity + EXCLUDED.quantity
		 RETURNING quantity`,
		o.AccountID, o.Symbol, o.Quantity, o.Price.String(), o.Timestamp).Scan(&remaining)
	if err != nil {
		return nil, mapPgError(err)
	}

	t := model.Transaction{
		ID:        o.TransactionID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      model.SideBuy,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Notional:  notional,
		Timestamp: o.Timestamp,
	}
	if err := insertTransaction(ctx, tx, &t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}

	newCash, _ := decimal.NewFromString(cashS)
	return &model.Fill{Transaction: t, NewCash: newCash, RemainingQuantity: remaining}, nil
}

func (s *PostgresStore) ApplySell(ctx context.Context, o SellOrder) (*model.Fill, error) {
	notional := o.Price.Mul(decimal.NewFromInt(o.Quantity))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin sell: %w", err)
	}
	defer tx.Rollback(ctx)

	// Decrement-if-at-least: the row lock makes concurrent sells of the
	// same position re-check the predicate against the committed quantity.
	var remaining int64
	err = tx.QueryRow(ctx,
		`UPDATE positions SET quantity = quantity - $3
		 WHERE account_id = $1 AND symbol = $2 AND quantity >= $3
		 RETURNING quantity`,
		o.AccountID, o.Symbol, o.Quantity).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		var held int64
		lookupErr := tx.QueryRow(ctx,
			`SELECT quantity FROM positions WHERE account_id = $1 AND symbol = $2`,
			o.AccountID, o.Symbol).Scan(&held)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", o.Symbol, model.ErrNoPosition)
		}
		if lookupErr != nil {
			return nil, mapPgError(lookupErr)
		}
		return nil, model.InsufficientShares(o.Symbol, o.Quantity, held)
	}
	if err != nil {
		return nil, mapPgError(err)
	}

	if remaining == 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND symbol = $2 AND quantity = 0`,
			o.AccountID, o.Symbol); err != nil {
			return nil, mapPgError(err)
		}
	}

	var cashS string
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC, updated_at = $3
		 WHERE id = $1 RETURNING cash::TEXT`,
		o.AccountID, notional.String(), o.Timestamp).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", o.AccountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, mapPgError(err)
	}

	t := model.Transaction{
		ID:        o.TransactionID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      model.SideSell,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Notional:  notional,
		Timestamp: o.Timestamp,
	}
	if err := insertTransaction(ctx, tx, &t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}

	newCash, _ := decimal.NewFromString(cashS)
	return &model.Fill{Transaction: t, NewCash: newCash, RemainingQuantity: remaining}, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	var p model.Position
	var entry string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, symbol, quantity, entry_price::TEXT, opened_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol).
		Scan(&p.AccountID, &p.Symbol, &p.Quantity, &entry, &p.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNoPosition)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, symbol, err)
	}
	p.EntryPrice, _ = decimal.NewFromString(entry)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, accountID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error) {
	return listTransactions(ctx, s.pool, accountID, symbol)
}

func listPositions(ctx context.Context, q querier, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT account_id, symbol, quantity, entry_price::TEXT, opened_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var entry string
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &entry, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.EntryPrice, _ = decimal.NewFromString(entry)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func listTransactions(ctx context.Context, q querier, accountID, symbol string) ([]model.Transaction, error) {
	rows, err := q.Query(ctx,
		`SELECT id, account_id, symbol, side, quantity, price::TEXT, notional::TEXT, timestamp
		 FROM transactions
		 WHERE account_id = $1 AND ($2 = '' OR symbol = $2)
		 ORDER BY timestamp, id`, accountID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var side, price, notional string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &side, &t.Quantity,
			&price, &notional, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(price)
		t.Notional, _ = decimal.NewFromString(notional)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Market events ---

const eventColumns = `id, symbol, direction, impact_percent::TEXT, description,
	base_price::TEXT, target_price::TEXT, start_date, curve_duration, end_date, active`

func (s *PostgresStore) InsertMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_events (id, symbol, direction, impact_percent, description,
		     base_price, target_price, start_date, curve_duration, end_date, active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		e.ID, e.Symbol, string(e.Direction), e.ImpactPercent.String(), e.Description,
		e.BasePrice.String(), e.TargetPrice.String(), e.StartDate, e.CurveDuration,
		e.EndDate, e.Active,
	)
	return err
}

func (s *PostgresStore) GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM market_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("market event %s: %w", id, model.ErrEventNotFound)
	}
	return &events[0], nil
}

func (s *PostgresStore) ListActiveEvents(ctx context.Context, symbol string, now time.Time) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM market_events
		 WHERE symbol = $1 AND active AND start_date <= $2
		   AND (end_date IS NULL OR end_date >= $2)
		 ORDER BY start_date, id`, symbol, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListMarketEvents(ctx context.Context, symbol string) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM market_events
		 WHERE ($1 = '' OR symbol = $1)
		 ORDER BY start_date DESC, id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) DeactivateEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE market_events SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market event %s: %w", id, model.ErrEventNotFound)
	}
	return nil
}

func (s *PostgresStore) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_events SET active = FALSE WHERE active AND end_date < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAccount(ctx context.Context, q querier, id string) (*model.Account, error) {
	var a model.Account
	var cash string
	err := q.QueryRow(ctx,
		`SELECT id, cash::TEXT, created_at, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &cash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, mapPgError(err))
	}
	a.Cash, _ = decimal.NewFromString(cash)
	return &a, nil
}

func accountCash(ctx context.Context, tx pgx.Tx, accountID string) (decimal.Decimal, error) {
	var cash string
	err := tx.QueryRow(ctx, `SELECT cash::TEXT FROM accounts WHERE id = $1`, accountID).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, mapPgError(err)
	}
	d, _ := decimal.NewFromString(cash)
	return d, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, symbol, side, quantity, price, notional, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.AccountID, t.Symbol, string(t.Side), t.Quantity,
		t.Price.String(), t.Notional.String(), t.Timestamp,
	)
	return mapPgError(err)
}

// mapPgError turns serialization and deadlock failures into
// model.ErrConcurrentModification so callers can retry.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", model.ErrConcurrentModification, pgErr.Message)
	}
	return err
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.MarketEvent, error) {
	var events []model.MarketEvent
	for rows.Next() {
		var e model.MarketEvent
		var direction, impact, base, target string
		if err := rows.Scan(&e.ID, &e.Symbol, &direction, &impact, &e.Description,
			&base, &target, &e.StartDate, &e.CurveDuration, &e.EndDate, &e.Active); err != nil {
			return nil, err
		}
		e.Direction = model.Direction(direction)
		e.ImpactPercent, _ = decimal.NewFromString(impact)
		e.BasePrice, _ = decimal.NewFromString(base)
		e.TargetPrice, _ = decimal.NewFromString(target)
		events = append(events, e)
	}
	return events, rows.Err()
}
