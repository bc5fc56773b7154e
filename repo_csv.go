package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

/*
CSV layout

accounts.csv
owner_id,balance,version,created_at,updated_at

lots.csv
id,ticker,owner_id,quantity,acquisition_price,acquired_at,version

portfolios.csv
id,owner_id,owner_display_name,name,visibility,lot_refs,version,created_at,updated_at

Notes:
- timestamps = RFC3339Nano, amounts = decimal strings
- lot_refs = lot ids joined with ";" in display order
- We keep an in-memory index and write the entire file atomically after each mutation.
  A failed write rolls the index back so memory never runs ahead of disk.
*/

const (
	tsLayout     = time.RFC3339Nano
	lotRefSep    = ";"
	csvAccounts  = "accounts.csv"
	csvLots      = "lots.csv"
	csvPortfolio = "portfolios.csv"
)

var (
	accountHeader   = []string{"owner_id", "balance", "version", "created_at", "updated_at"}
	lotHeader       = []string{"id", "ticker", "owner_id", "quantity", "acquisition_price", "acquired_at", "version"}
	portfolioHeader = []string{"id", "owner_id", "owner_display_name", "name", "visibility", "lot_refs", "version", "created_at", "updated_at"}
)

type csvStore struct {
	dir           string
	accountsPath  string
	lotsPath      string
	portfolioPath string

	mu         sync.RWMutex
	accounts   map[string]Account
	lots       map[string]ShareLot
	portfolios map[string]Portfolio
}

func NewCSVStore(dir string) (*csvStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &csvStore{
		dir:           dir,
		accountsPath:  filepath.Join(dir, csvAccounts),
		lotsPath:      filepath.Join(dir, csvLots),
		portfolioPath: filepath.Join(dir, csvPortfolio),
		accounts:      map[string]Account{},
		lots:          map[string]ShareLot{},
		portfolios:    map[string]Portfolio{},
	}
	if err := s.ensureFiles(); err != nil {
		return nil, err
	}
	if err := s.loadAccounts(); err != nil {
		return nil, fmt.Errorf("load %s: %w", csvAccounts, err)
	}
	if err := s.loadLots(); err != nil {
		return nil, fmt.Errorf("load %s: %w", csvLots, err)
	}
	if err := s.loadPortfolios(); err != nil {
		return nil, fmt.Errorf("load %s: %w", csvPortfolio, err)
	}
	return s, nil
}

func newCSVRepositories(dir string) (Repositories, error) {
	store, err := NewCSVStore(dir)
	if err != nil {
		return Repositories{}, err
	}
	return Repositories{
		Accounts:   NewCSVAccountRepo(store),
		Lots:       NewCSVLotRepo(store),
		Portfolios: NewCSVPortfolioRepo(store),
		Close:      func() error { return nil },
	}, nil
}

func (s *csvStore) ensureFiles() error {
	for path, header := range map[string][]string{
		s.accountsPath:  accountHeader,
		s.lotsPath:      lotHeader,
		s.portfolioPath: portfolioHeader,
	} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := atomicWriteCSV(path, [][]string{header}); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

func (s *csvStore) loadAccounts() error {
	rows, err := readRows(s.accountsPath)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) < len(accountHeader) {
			continue
		}
		balance, err := ParseMoney(row[1])
		if err != nil {
			return fmt.Errorf("account %s: %w", row[0], err)
		}
		version, _ := strconv.ParseInt(row[2], 10, 64)
		createdAt, _ := time.Parse(tsLayout, row[3])
		updatedAt, _ := time.Parse(tsLayout, row[4])
		s.accounts[row[0]] = Account{
			OwnerID:   row[0],
			Balance:   balance,
			Version:   version,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
	}
	return nil
}

func (s *csvStore) loadLots() error {
	rows, err := readRows(s.lotsPath)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) < len(lotHeader) {
			continue
		}
		qty, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil || qty <= 0 {
			return fmt.Errorf("lot %s: bad quantity %q", row[0], row[3])
		}
		price, err := ParseMoney(row[4])
		if err != nil {
			return fmt.Errorf("lot %s: %w", row[0], err)
		}
		ticker := normalizeTicker(row[1])
		if ticker == "" {
			return fmt.Errorf("lot %s: empty ticker", row[0])
		}
		acquiredAt, _ := time.Parse(tsLayout, row[5])
		version, _ := strconv.ParseInt(row[6], 10, 64)
		s.lots[row[0]] = ShareLot{
			ID:               row[0],
			Ticker:           ticker,
			OwnerID:          row[2],
			Quantity:         qty,
			AcquisitionPrice: price,
			AcquiredAt:       acquiredAt,
			Version:          version,
		}
	}
	return nil
}

func (s *csvStore) loadPortfolios() error {
	rows, err := readRows(s.portfolioPath)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) < len(portfolioHeader) {
			continue
		}
		vis, err := parseVisibility(row[4])
		if err != nil {
			return fmt.Errorf("portfolio %s: %w", row[0], err)
		}
		refs := []string{}
		if row[5] != "" {
			refs = strings.Split(row[5], lotRefSep)
		}
		version, _ := strconv.ParseInt(row[6], 10, 64)
		createdAt, _ := time.Parse(tsLayout, row[7])
		updatedAt, _ := time.Parse(tsLayout, row[8])
		s.portfolios[row[0]] = Portfolio{
			ID:               row[0],
			OwnerID:          row[1],
			OwnerDisplayName: row[2],
			Name:             row[3],
			Visibility:       vis,
			LotRefs:          refs,
			Version:          version,
			CreatedAt:        createdAt,
			UpdatedAt:        updatedAt,
		}
	}
	return nil
}

func (s *csvStore) saveAccountsLocked() error {
	rows := make([][]string, 0, len(s.accounts)+1)
	rows = append(rows, accountHeader)
	for _, a := range s.accounts {
		rows = append(rows, []string{
			a.OwnerID,
			a.Balance.String(),
			strconv.FormatInt(a.Version, 10),
			a.CreatedAt.Format(tsLayout),
			a.UpdatedAt.Format(tsLayout),
		})
	}
	return atomicWriteCSV(s.accountsPath, rows)
}

func (s *csvStore) saveLotsLocked() error {
	rows := make([][]string, 0, len(s.lots)+1)
	rows = append(rows, lotHeader)
	for _, l := range s.lots {
		rows = append(rows, []string{
			l.ID,
			l.Ticker,
			l.OwnerID,
			strconv.FormatInt(l.Quantity, 10),
			l.AcquisitionPrice.String(),
			l.AcquiredAt.Format(tsLayout),
			strconv.FormatInt(l.Version, 10),
		})
	}
	return atomicWriteCSV(s.lotsPath, rows)
}

func (s *csvStore) savePortfoliosLocked() error {
	rows := make([][]string, 0, len(s.portfolios)+1)
	rows = append(rows, portfolioHeader)
	for _, p := range s.portfolios {
		rows = append(rows, []string{
			p.ID,
			p.OwnerID,
			p.OwnerDisplayName,
			p.Name,
			string(p.Visibility),
			strings.Join(p.LotRefs, lotRefSep),
			strconv.FormatInt(p.Version, 10),
			p.CreatedAt.Format(tsLayout),
			p.UpdatedAt.Format(tsLayout),
		})
	}
	return atomicWriteCSV(s.portfolioPath, rows)
}

func atomicWriteCSV(path string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*.csv")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// putLocked sets m[key] = v and saves; on a failed save the previous entry
// (or its absence) is restored.
func putLocked[K comparable, V any](m map[K]V, key K, v V, save func() error) error {
	prev, had := m[key]
	m[key] = v
	if err := save(); err != nil {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
		return err
	}
	return nil
}

func deleteLocked[K comparable, V any](m map[K]V, key K, save func() error) error {
	prev, had := m[key]
	if !had {
		return ErrNotFound
	}
	delete(m, key)
	if err := save(); err != nil {
		m[key] = prev
		return err
	}
	return nil
}

/* ======================== Account repo ======================== */

type csvAccountRepo struct{ s *csvStore }

func NewCSVAccountRepo(s *csvStore) *csvAccountRepo { return &csvAccountRepo{s: s} }

func (r *csvAccountRepo) Create(ctx context.Context, a Account) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.OwnerID]; ok {
		return Account{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	if err := putLocked(r.s.accounts, a.OwnerID, a, r.s.saveAccountsLocked); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (r *csvAccountRepo) GetByID(ctx context.Context, ownerID string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[ownerID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *csvAccountRepo) Update(ctx context.Context, a Account) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.accounts[a.OwnerID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if cur.Version != a.Version {
		return Account{}, ErrVersionConflict
	}
	a.Version++
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	if err := putLocked(r.s.accounts, a.OwnerID, a, r.s.saveAccountsLocked); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (r *csvAccountRepo) Delete(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return deleteLocked(r.s.accounts, ownerID, r.s.saveAccountsLocked)
}

/* ======================== Lot repo ======================== */

type csvLotRepo struct{ s *csvStore }

func NewCSVLotRepo(s *csvStore) *csvLotRepo { return &csvLotRepo{s: s} }

func (r *csvLotRepo) Create(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lots[l.ID]; ok {
		return ShareLot{}, ErrAlreadyExists
	}
	l.Version = 1
	if err := putLocked(r.s.lots, l.ID, l, r.s.saveLotsLocked); err != nil {
		return ShareLot{}, err
	}
	return l, nil
}

func (r *csvLotRepo) GetByID(ctx context.Context, id string) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.lots[id]
	if !ok {
		return ShareLot{}, ErrNotFound
	}
	return l, nil
}

func (r *csvLotRepo) List(ctx context.Context, filter LotFilter) ([]ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]ShareLot, 0, 32)
	for _, l := range r.s.lots {
		if filter.match(l) {
			out = append(out, l)
		}
	}
	insertionSort(out, lotsByAcquisition)
	return out, nil
}

func (r *csvLotRepo) Update(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.lots[l.ID]
	if !ok {
		return ShareLot{}, ErrNotFound
	}
	if cur.Version != l.Version {
		return ShareLot{}, ErrVersionConflict
	}
	l.Version++
	if err := putLocked(r.s.lots, l.ID, l, r.s.saveLotsLocked); err != nil {
		return ShareLot{}, err
	}
	return l, nil
}

func (r *csvLotRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return deleteLocked(r.s.lots, id, r.s.saveLotsLocked)
}

/* ======================== Portfolio repo ======================== */

type csvPortfolioRepo struct{ s *csvStore }

func NewCSVPortfolioRepo(s *csvStore) *csvPortfolioRepo { return &csvPortfolioRepo{s: s} }

func (r *csvPortfolioRepo) nameTakenLocked(p Portfolio) bool {
	for _, other := range r.s.portfolios {
		if other.ID != p.ID && other.OwnerID == p.OwnerID && other.Name == p.Name {
			return true
		}
	}
	return false
}

func (r *csvPortfolioRepo) Create(ctx context.Context, p Portfolio) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.portfolios[p.ID]; ok || r.nameTakenLocked(p) {
		return Portfolio{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	p = p.clone()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	if err := putLocked(r.s.portfolios, p.ID, p, r.s.savePortfoliosLocked); err != nil {
		return Portfolio{}, err
	}
	return p.clone(), nil
}

func (r *csvPortfolioRepo) GetByID(ctx context.Context, id string) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.portfolios[id]
	if !ok {
		return Portfolio{}, ErrNotFound
	}
	return p.clone(), nil
}

func (r *csvPortfolioRepo) List(ctx context.Context, filter PortfolioFilter) ([]Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]Portfolio, 0, len(r.s.portfolios))
	for _, p := range r.s.portfolios {
		if filter.match(p) {
			out = append(out, p.clone())
		}
	}
	insertionSort(out, portfoliosByCreation)
	return out, nil
}

func (r *csvPortfolioRepo) Update(ctx context.Context, p Portfolio) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.portfolios[p.ID]
	if !ok {
		return Portfolio{}, ErrNotFound
	}
	if cur.Version != p.Version {
		return Portfolio{}, ErrVersionConflict
	}
	if r.nameTakenLocked(p) {
		return Portfolio{}, ErrAlreadyExists
	}
	p = p.clone()
	p.Version++
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	if err := putLocked(r.s.portfolios, p.ID, p, r.s.savePortfoliosLocked); err != nil {
		return Portfolio{}, err
	}
	return p.clone(), nil
}

func (r *csvPortfolioRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return deleteLocked(r.s.portfolios, id, r.s.savePortfoliosLocked)
}
