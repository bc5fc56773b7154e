package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

/* ===================== Account manager ===================== */

// AccountManager owns every user's cash balance. All balance changes for one
// user are serialized on that user's lock; different users run in parallel.
type AccountManager struct {
	repo  AccountRepository
	locks *keyedMutex
	log   zerolog.Logger
}

func NewAccountManager(repo AccountRepository, log zerolog.Logger) *AccountManager {
	return &AccountManager{
		repo:  repo,
		locks: newKeyedMutex(),
		log:   log.With().Str("component", "accounts").Logger(),
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrBadValues)
	}
	return nil
}

func (m *AccountManager) CreateAccount(ctx context.Context, userID string, initial Money) (Account, error) {
	if err := requireUser(userID); err != nil {
		return Account{}, err
	}
	if initial.IsNegative() {
		return Account{}, fmt.Errorf("%w: initial balance %s is negative", ErrInvalidAmount, initial)
	}
	unlock := m.locks.Lock(userID)
	defer unlock()
	a, err := m.repo.Create(ctx, Account{OwnerID: userID, Balance: initial})
	if errors.Is(err, ErrAlreadyExists) {
		return Account{}, fmt.Errorf("account for user %s: %w", userID, ErrAlreadyExists)
	}
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	m.log.Info().Str("user_id", userID).Str("balance", initial.String()).Msg("account created")
	return a, nil
}

func (m *AccountManager) AccountExists(ctx context.Context, userID string) (bool, error) {
	_, err := m.repo.GetByID(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("get account: %w", err)
	}
}

// GetBalance returns zero for users without an account; use AccountExists to
// tell the two apart.
func (m *AccountManager) GetBalance(ctx context.Context, userID string) (Money, error) {
	a, err := m.repo.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Money{}, nil
	}
	if err != nil {
		return Money{}, fmt.Errorf("get account: %w", err)
	}
	return a.Balance, nil
}

func (m *AccountManager) Deposit(ctx context.Context, userID string, amount Money) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("%w: cannot deposit a negative amount (%s)", ErrInvalidAmount, amount)
	}
	a, err := m.mutate(ctx, userID, func(a Account) (Account, error) {
		a.Balance = a.Balance.Add(amount)
		return a, nil
	})
	if err != nil {
		return Money{}, err
	}
	m.log.Debug().Str("user_id", userID).Str("amount", amount.String()).Str("balance", a.Balance.String()).Msg("deposit")
	return a.Balance, nil
}

func (m *AccountManager) Withdraw(ctx context.Context, userID string, amount Money) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("%w: cannot withdraw a negative amount (%s)", ErrInvalidAmount, amount)
	}
	a, err := m.mutate(ctx, userID, func(a Account) (Account, error) {
		if a.Balance.LessThan(amount) {
			return Account{}, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, a.Balance, amount)
		}
		a.Balance = a.Balance.Sub(amount)
		return a, nil
	})
	if err != nil {
		return Money{}, err
	}
	m.log.Debug().Str("user_id", userID).Str("amount", amount.String()).Str("balance", a.Balance.String()).Msg("withdraw")
	return a.Balance, nil
}

// Delete removes the account. Deleting a missing account is not an error.
func (m *AccountManager) Delete(ctx context.Context, userID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()
	if err := m.repo.Delete(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// mutate runs read-check-write for one account under its lock. The write is
// version-checked, so a writer in another process cannot be overwritten.
func (m *AccountManager) mutate(ctx context.Context, userID string, fn func(Account) (Account, error)) (Account, error) {
	if err := requireUser(userID); err != nil {
		return Account{}, err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	var out Account
	err := retryOnConflict(ctx, func() error {
		cur, err := m.repo.GetByID(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next.Balance.IsNegative() {
			return fmt.Errorf("%w: balance would become %s", ErrInsufficientFunds, next.Balance)
		}
		out, err = m.repo.Update(ctx, next)
		return err
	})
	if err != nil && !isKind(err) {
		return Account{}, fmt.Errorf("update account: %w", err)
	}
	return out, err
}

// isKind reports whether err already carries one of the ledger error kinds.
func isKind(err error) bool {
	for _, k := range []error{ErrBadValues, ErrNotFound, ErrAlreadyExists, ErrForbidden,
		ErrInsufficientFunds, ErrQuoteUnavailable, ErrTradeFailed, ErrPartialCopy, ErrReconciliationRequired} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
