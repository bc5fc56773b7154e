package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	owner_id   TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lots (
	id                TEXT PRIMARY KEY,
	ticker            TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	quantity          INTEGER NOT NULL CHECK (quantity > 0),
	acquisition_price TEXT NOT NULL,
	acquired_at       INTEGER NOT NULL,
	version           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_owner ON lots(owner_id);
CREATE TABLE IF NOT EXISTS portfolios (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	owner_display_name TEXT NOT NULL,
	name               TEXT NOT NULL,
	visibility         TEXT NOT NULL,
	version            INTEGER NOT NULL,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	UNIQUE (owner_id, name)
);
CREATE TABLE IF NOT EXISTS portfolio_lots (
	portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	lot_id       TEXT NOT NULL UNIQUE,
	position     INTEGER NOT NULL,
	PRIMARY KEY (portfolio_id, lot_id)
);
`

// sqliteStore keeps the ledger in one SQLite file. All access goes through a
// single connection, which also makes ":memory:" usable.
type sqliteStore struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func OpenSQLiteStore(path string) (*sqliteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		clean := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = clean + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
		dsn += "&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func newSQLiteRepositories(path string) (Repositories, error) {
	store, err := OpenSQLiteStore(path)
	if err != nil {
		return Repositories{}, err
	}
	return Repositories{
		Accounts:   &sqliteAccountRepo{s: store},
		Lots:       &sqliteLotRepo{s: store},
		Portfolios: &sqlitePortfolioRepo{s: store},
		Close:      store.Close,
	}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// missingOrConflict tells apart the two reasons a versioned UPDATE touched no row.
func (s *sqliteStore) missingOrConflict(ctx context.Context, q querier, table, keyCol, key string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE "+keyCol+" = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s %s: %w", table, key, err)
	}
	return ErrVersionConflict
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

/* ======================== Account repo ======================== */

type sqliteAccountRepo struct{ s *sqliteStore }

func (r *sqliteAccountRepo) Create(ctx context.Context, a Account) (Account, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO accounts (owner_id, balance, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.OwnerID, a.Balance.String(), a.Version, toMillis(now), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAlreadyExists
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

func (r *sqliteAccountRepo) GetByID(ctx context.Context, ownerID string) (Account, error) {
	var (
		a                    Account
		balance              string
		createdAt, updatedAt int64
	)
	err := r.s.db.QueryRowContext(ctx,
		`SELECT owner_id, balance, version, created_at, updated_at FROM accounts WHERE owner_id = ?`, ownerID,
	).Scan(&a.OwnerID, &balance, &a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	if a.Balance, err = ParseMoney(balance); err != nil {
		return Account{}, fmt.Errorf("account %s: %w", ownerID, err)
	}
	a.CreatedAt, a.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return a, nil
}

func (r *sqliteAccountRepo) Update(ctx context.Context, a Account) (Account, error) {
	now := time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, version = version + 1, updated_at = ? WHERE owner_id = ? AND version = ?`,
		a.Balance.String(), toMillis(now), a.OwnerID, a.Version)
	if err != nil {
		return Account{}, fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Account{}, r.s.missingOrConflict(ctx, r.s.db, "accounts", "owner_id", a.OwnerID)
	}
	return r.GetByID(ctx, a.OwnerID)
}

func (r *sqliteAccountRepo) Delete(ctx context.Context, ownerID string) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM accounts WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/* ======================== Lot repo ======================== */

type sqliteLotRepo struct{ s *sqliteStore }

const lotColumns = `id, ticker, owner_id, quantity, acquisition_price, acquired_at, version`

func scanLot(row interface{ Scan(...any) error }) (ShareLot, error) {
	var (
		l          ShareLot
		price      string
		acquiredAt int64
	)
	if err := row.Scan(&l.ID, &l.Ticker, &l.OwnerID, &l.Quantity, &price, &acquiredAt, &l.Version); err != nil {
		return ShareLot{}, err
	}
	p, err := ParseMoney(price)
	if err != nil {
		return ShareLot{}, fmt.Errorf("lot %s: %w", l.ID, err)
	}
	l.AcquisitionPrice = p
	l.AcquiredAt = fromMillis(acquiredAt)
	return l, nil
}

func (r *sqliteLotRepo) Create(ctx context.Context, l ShareLot) (ShareLot, error) {
	l.Version = 1
	l.AcquiredAt = l.AcquiredAt.UTC().Truncate(time.Millisecond)
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO lots (`+lotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Ticker, l.OwnerID, l.Quantity, l.AcquisitionPrice.String(), toMillis(l.AcquiredAt), l.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ShareLot{}, ErrAlreadyExists
		}
		return ShareLot{}, fmt.Errorf("create lot: %w", err)
	}
	return l, nil
}

func (r *sqliteLotRepo) GetByID(ctx context.Context, id string) (ShareLot, error) {
	l, err := scanLot(r.s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLot{}, ErrNotFound
	}
	if err != nil {
		return ShareLot{}, fmt.Errorf("get lot: %w", err)
	}
	return l, nil
}

func (r *sqliteLotRepo) List(ctx context.Context, filter LotFilter) ([]ShareLot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE 1 = 1`
	var args []any
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Ticker != "" {
		query += ` AND ticker = ? COLLATE NOCASE`
		args = append(args, filter.Ticker)
	}
	query += ` ORDER BY acquired_at, id`
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()
	out := []ShareLot{}
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqliteLotRepo) Update(ctx context.Context, l ShareLot) (ShareLot, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE lots SET ticker = ?, owner_id = ?, quantity = ?, acquisition_price = ?, acquired_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		l.Ticker, l.OwnerID, l.Quantity, l.AcquisitionPrice.String(), toMillis(l.AcquiredAt), l.ID, l.Version)
	if err != nil {
		return ShareLot{}, fmt.Errorf("update lot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ShareLot{}, r.s.missingOrConflict(ctx, r.s.db, "lots", "id", l.ID)
	}
	return r.GetByID(ctx, l.ID)
}

func (r *sqliteLotRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete lot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/* ======================== Portfolio repo ======================== */

type sqlitePortfolioRepo struct{ s *sqliteStore }

const portfolioColumns = `id, owner_id, owner_display_name, name, visibility, version, created_at, updated_at`

func scanPortfolio(row interface{ Scan(...any) error }) (Portfolio, error) {
	var (
		p                    Portfolio
		visibility           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.OwnerDisplayName, &p.Name, &visibility, &p.Version, &createdAt, &updatedAt); err != nil {
		return Portfolio{}, err
	}
	p.Visibility = Visibility(visibility)
	p.CreatedAt, p.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	p.LotRefs = []string{}
	return p, nil
}

func (r *sqlitePortfolioRepo) loadRefs(ctx context.Context, q querier, p *Portfolio) error {
	rows, err := q.QueryContext(ctx, `SELECT lot_id FROM portfolio_lots WHERE portfolio_id = ? ORDER BY position`, p.ID)
	if err != nil {
		return fmt.Errorf("list portfolio lots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		p.LotRefs = append(p.LotRefs, id)
	}
	return rows.Err()
}

func (r *sqlitePortfolioRepo) writeRefs(ctx context.Context, tx *sql.Tx, p Portfolio) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_lots WHERE portfolio_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear portfolio lots: %w", err)
	}
	for i, lotID := range p.LotRefs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO portfolio_lots (portfolio_id, lot_id, position) VALUES (?, ?, ?)`, p.ID, lotID, i)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("lot %s: %w", lotID, ErrAlreadyExists)
			}
			return fmt.Errorf("insert portfolio lot: %w", err)
		}
	}
	return nil
}

func (r *sqlitePortfolioRepo) Create(ctx context.Context, p Portfolio) (Portfolio, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	p = p.clone()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return Portfolio{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO portfolios (`+portfolioColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.OwnerDisplayName, p.Name, string(p.Visibility), p.Version, toMillis(now), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return Portfolio{}, ErrAlreadyExists
		}
		return Portfolio{}, fmt.Errorf("create portfolio: %w", err)
	}
	if err := r.writeRefs(ctx, tx, p); err != nil {
		return Portfolio{}, err
	}
	if err := tx.Commit(); err != nil {
		return Portfolio{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (r *sqlitePortfolioRepo) GetByID(ctx context.Context, id string) (Portfolio, error) {
	p, err := scanPortfolio(r.s.db.QueryRowContext(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Portfolio{}, ErrNotFound
	}
	if err != nil {
		return Portfolio{}, fmt.Errorf("get portfolio: %w", err)
	}
	if err := r.loadRefs(ctx, r.s.db, &p); err != nil {
		return Portfolio{}, err
	}
	return p, nil
}

func (r *sqlitePortfolioRepo) List(ctx context.Context, filter PortfolioFilter) ([]Portfolio, error) {
	query := `SELECT ` + portfolioColumns + ` FROM portfolios WHERE 1 = 1`
	var args []any
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.PublicOnly {
		query += ` AND visibility = ?`
		args = append(args, string(VisibilityPublic))
	}
	if filter.LotID != "" {
		query += ` AND id IN (SELECT portfolio_id FROM portfolio_lots WHERE lot_id = ?)`
		args = append(args, filter.LotID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	out := []Portfolio{}
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The single connection is free again only once rows is closed.
	for i := range out {
		if err := r.loadRefs(ctx, r.s.db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *sqlitePortfolioRepo) Update(ctx context.Context, p Portfolio) (Portfolio, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return Portfolio{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE portfolios SET owner_display_name = ?, name = ?, visibility = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.OwnerDisplayName, p.Name, string(p.Visibility), toMillis(time.Now()), p.ID, p.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return Portfolio{}, ErrAlreadyExists
		}
		return Portfolio{}, fmt.Errorf("update portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Portfolio{}, r.s.missingOrConflict(ctx, tx, "portfolios", "id", p.ID)
	}
	if err := r.writeRefs(ctx, tx, p); err != nil {
		return Portfolio{}, err
	}
	if err := tx.Commit(); err != nil {
		return Portfolio{}, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *sqlitePortfolioRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM portfolios WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
