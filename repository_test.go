package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories opens one fresh instance of every ledger store.
func storeFactories(t *testing.T) map[string]func() Repositories {
	return map[string]func() Repositories{
		"memory": func() Repositories { return newMemoryRepositories() },
		"csv": func() Repositories {
			repos, err := newCSVRepositories(t.TempDir())
			require.NoError(t, err)
			return repos
		},
		"sqlite": func() Repositories {
			repos, err := newSQLiteRepositories(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = repos.Close() })
			return repos
		},
	}
}

func TestRepositories_Accounts(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open().Accounts

			a, err := repo.Create(ctx, Account{OwnerID: "alice", Balance: NewMoney(100)})
			require.NoError(t, err)
			assert.Equal(t, int64(1), a.Version)

			_, err = repo.Create(ctx, Account{OwnerID: "alice"})
			assert.ErrorIs(t, err, ErrAlreadyExists)

			a.Balance = mustMoney(t, "42.5")
			updated, err := repo.Update(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)
			assert.True(t, updated.Balance.Equal(mustMoney(t, "42.5")))

			// a still carries version 1.
			_, err = repo.Update(ctx, a)
			assert.ErrorIs(t, err, ErrVersionConflict)

			_, err = repo.Update(ctx, Account{OwnerID: "nobody", Version: 1})
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.Delete(ctx, "alice"))
			assert.ErrorIs(t, repo.Delete(ctx, "alice"), ErrNotFound)
			_, err = repo.GetByID(ctx, "alice")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepositories_Lots(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open().Lots
			base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

			for i, l := range []ShareLot{
				{ID: "l2", Ticker: "MSFT", OwnerID: "alice", Quantity: 1, AcquisitionPrice: NewMoney(300), AcquiredAt: base.Add(time.Minute)},
				{ID: "l1", Ticker: "AAPL", OwnerID: "alice", Quantity: 2, AcquisitionPrice: NewMoney(50), AcquiredAt: base},
				{ID: "l3", Ticker: "AAPL", OwnerID: "bob", Quantity: 3, AcquisitionPrice: NewMoney(55), AcquiredAt: base.Add(2 * time.Minute)},
			} {
				_, err := repo.Create(ctx, l)
				require.NoError(t, err, "lot %d", i)
			}
			_, err := repo.Create(ctx, ShareLot{ID: "l1", Ticker: "X", OwnerID: "alice", Quantity: 1})
			assert.ErrorIs(t, err, ErrAlreadyExists)

			got, err := repo.List(ctx, LotFilter{OwnerID: "alice"})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "l1", got[0].ID, "oldest first")
			assert.Equal(t, "l2", got[1].ID)

			got, err = repo.List(ctx, LotFilter{Ticker: "aapl"})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			l, err := repo.GetByID(ctx, "l1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), l.Quantity)
			assert.True(t, l.AcquisitionPrice.Equal(NewMoney(50)))
			assert.True(t, l.AcquiredAt.Equal(base))

			l.Quantity = 1
			l2, err := repo.Update(ctx, l)
			require.NoError(t, err)
			assert.Equal(t, int64(1), l2.Quantity)
			_, err = repo.Update(ctx, l)
			assert.ErrorIs(t, err, ErrVersionConflict)

			require.NoError(t, repo.Delete(ctx, "l1"))
			_, err = repo.GetByID(ctx, "l1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepositories_Portfolios(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open().Portfolios

			p, err := repo.Create(ctx, Portfolio{ID: "p1", OwnerID: "alice", OwnerDisplayName: "Alice", Name: "Growth", Visibility: VisibilityPublic})
			require.NoError(t, err)
			assert.Equal(t, int64(1), p.Version)
			assert.NotNil(t, p.LotRefs)

			_, err = repo.Create(ctx, Portfolio{ID: "p2", OwnerID: "alice", Name: "Growth", Visibility: VisibilityPrivate})
			assert.ErrorIs(t, err, ErrAlreadyExists, "name is unique per owner")

			_, err = repo.Create(ctx, Portfolio{ID: "p3", OwnerID: "bob", Name: "Growth", Visibility: VisibilityPrivate})
			require.NoError(t, err, "other owners may reuse the name")
			_, err = repo.Create(ctx, Portfolio{ID: "p4", OwnerID: "alice", Name: "Income", Visibility: VisibilityPrivate})
			require.NoError(t, err)

			p.LotRefs = []string{"a", "b", "c"}
			p, err = repo.Update(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, p.LotRefs)
			assert.Equal(t, int64(2), p.Version)

			stale := p
			stale.Version = 1
			_, err = repo.Update(ctx, stale)
			assert.ErrorIs(t, err, ErrVersionConflict)

			rename := p
			rename.Name = "Income"
			_, err = repo.Update(ctx, rename)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			got, err := repo.GetByID(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "Growth", got.Name)
			assert.Equal(t, []string{"a", "b", "c"}, got.LotRefs)

			mine, err := repo.List(ctx, PortfolioFilter{OwnerID: "alice"})
			require.NoError(t, err)
			assert.Len(t, mine, 2)

			public, err := repo.List(ctx, PortfolioFilter{OwnerID: "alice", PublicOnly: true})
			require.NoError(t, err)
			require.Len(t, public, 1)
			assert.Equal(t, "p1", public[0].ID)

			holding, err := repo.List(ctx, PortfolioFilter{LotID: "b"})
			require.NoError(t, err)
			require.Len(t, holding, 1)
			assert.Equal(t, "p1", holding[0].ID)

			require.NoError(t, repo.Delete(ctx, "p1"))
			assert.ErrorIs(t, repo.Delete(ctx, "p1"), ErrNotFound)
			holding, err = repo.List(ctx, PortfolioFilter{LotID: "b"})
			require.NoError(t, err)
			assert.Empty(t, holding)
		})
	}
}

func TestCSVStore_Reload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repos, err := newCSVRepositories(dir)
	require.NoError(t, err)
	_, err = repos.Accounts.Create(ctx, Account{OwnerID: "alice", Balance: mustMoney(t, "10.25")})
	require.NoError(t, err)
	_, err = repos.Lots.Create(ctx, ShareLot{ID: "l1", Ticker: "AAPL", OwnerID: "alice", Quantity: 4, AcquisitionPrice: NewMoney(100), AcquiredAt: time.Now()})
	require.NoError(t, err)
	_, err = repos.Portfolios.Create(ctx, Portfolio{ID: "p1", OwnerID: "alice", Name: "Main", Visibility: VisibilityPrivate, LotRefs: []string{"l1"}})
	require.NoError(t, err)

	reopened, err := newCSVRepositories(dir)
	require.NoError(t, err)
	a, err := reopened.Accounts.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(mustMoney(t, "10.25")))
	l, err := reopened.Lots.GetByID(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), l.Quantity)
	p, err := reopened.Portfolios.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, p.LotRefs)
	assert.Equal(t, VisibilityPrivate, p.Visibility)
}

func TestSQLiteStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	repos, err := newSQLiteRepositories(path)
	require.NoError(t, err)
	_, err = repos.Accounts.Create(ctx, Account{OwnerID: "alice", Balance: NewMoney(7)})
	require.NoError(t, err)
	_, err = repos.Portfolios.Create(ctx, Portfolio{ID: "p1", OwnerID: "alice", Name: "Main", Visibility: VisibilityPublic, LotRefs: []string{"x", "y"}})
	require.NoError(t, err)
	require.NoError(t, repos.Close())

	reopened, err := newSQLiteRepositories(path)
	require.NoError(t, err)
	defer reopened.Close()
	a, err := reopened.Accounts.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(NewMoney(7)))
	p, err := reopened.Portfolios.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, p.LotRefs)
}

func TestCSVStore_NormalizesHandEditedRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("lots.csv", "id,ticker,owner_id,quantity,acquisition_price,acquired_at,version\n"+
		"l1, aapl ,alice,2,100,2025-03-01T12:00:00Z,1\n")
	write("portfolios.csv", "id,owner_id,owner_display_name,name,visibility,lot_refs,version,created_at,updated_at\n"+
		"p1,alice,Alice,Main,Public,l1,1,2025-03-01T12:00:00Z,2025-03-01T12:00:00Z\n")

	repos, err := newCSVRepositories(dir)
	require.NoError(t, err)
	p, err := repos.Portfolios.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, VisibilityPublic, p.Visibility)
	public, err := repos.Portfolios.List(ctx, PortfolioFilter{OwnerID: "alice", PublicOnly: true})
	require.NoError(t, err)
	assert.Len(t, public, 1)

	l, err := repos.Lots.GetByID(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", l.Ticker)
	got, err := repos.Lots.List(ctx, LotFilter{Ticker: "AAPL"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	write("portfolios.csv", "id,owner_id,owner_display_name,name,visibility,lot_refs,version,created_at,updated_at\n"+
		"p1,alice,Alice,Main,friends,,1,2025-03-01T12:00:00Z,2025-03-01T12:00:00Z\n")
	_, err = newCSVRepositories(dir)
	assert.ErrorIs(t, err, ErrBadValues, "unknown visibility is rejected on load")
}
