package main

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is; the narrower kinds wrap the
// broader one they belong to.
var (
	ErrBadValues         = errors.New("bad values")
	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", ErrBadValues)
	ErrInvalidQuantity   = fmt.Errorf("%w: invalid quantity", ErrBadValues)
	ErrPortfolioNotEmpty = fmt.Errorf("%w: portfolio still holds lots", ErrBadValues)

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	ErrForbidden         = errors.New("forbidden")
	ErrOwnershipMismatch = fmt.Errorf("%w: lot owner differs from portfolio owner", ErrForbidden)

	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrQuoteUnavailable       = errors.New("quote unavailable")
	ErrTradeFailed            = errors.New("trade failed")
	ErrPartialCopy            = errors.New("partial copy")
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrVersionConflict is returned by repository updates whose version no
	// longer matches the stored record.
	ErrVersionConflict = errors.New("version conflict")
)

// CopyFailure is one source lot that copy-invest could not buy.
type CopyFailure struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Err      error  `json:"-"`
}

// PartialCopyError reports a copy-invest that stopped short of the source.
// Lots bought before and after a failure stay in the destination.
type PartialCopyError struct {
	PortfolioID string
	Purchased   int
	Failures    []CopyFailure
}

func (e *PartialCopyError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Ticker, f.Err))
	}
	return fmt.Sprintf("partial copy into portfolio %s: %d bought, %d failed (%s)",
		e.PortfolioID, e.Purchased, len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialCopyError) Is(target error) bool { return target == ErrPartialCopy }

// Tickers lists the tickers that failed, in source order.
func (e *PartialCopyError) Tickers() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Ticker)
	}
	return out
}

// ReconciliationError means a trade step failed and so did its compensation:
// cash and holdings disagree until someone repairs them by hand.
type ReconciliationError struct {
	Op          string
	UserID      string
	PortfolioID string
	LotID       string
	Ticker      string
	Quantity    int64
	Amount      Money
	Cause       error
	Compensate  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: %s for user %s (portfolio %s, lot %s, %d %s, amount %s): %v; compensation failed: %v",
		ErrReconciliationRequired, e.Op, e.UserID, e.PortfolioID, e.LotID, e.Quantity, e.Ticker, e.Amount, e.Cause, e.Compensate)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliationRequired }

func (e *ReconciliationError) Unwrap() []error { return []error{e.Cause, e.Compensate} }
