package main

import (
	"fmt"
	"strings"
)

// ===== DTOs =====

type accountDTO struct {
	InitialBalance Money `json:"initial_balance"`
}

type amountDTO struct {
	Amount *Money `json:"amount"`
}

func (d amountDTO) value() (Money, error) {
	if d.Amount == nil {
		return Money{}, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	return *d.Amount, nil
}

type portfolioDTO struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility,omitempty"`
}

func (d portfolioDTO) toDomain() (string, Visibility, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return "", "", fmt.Errorf("%w: name is required", ErrBadValues)
	}
	vis, err := parseVisibility(d.Visibility)
	if err != nil {
		return "", "", err
	}
	return name, vis, nil
}

type portfolioPatchDTO struct {
	Name       *string `json:"name,omitempty"`
	Visibility *string `json:"visibility,omitempty"`
}

func (d portfolioPatchDTO) toDomain() (PortfolioPatch, error) {
	var patch PortfolioPatch
	if d.Name == nil && d.Visibility == nil {
		return patch, fmt.Errorf("%w: nothing to update (name, visibility)", ErrBadValues)
	}
	patch.Name = d.Name
	if d.Visibility != nil {
		if strings.TrimSpace(*d.Visibility) == "" {
			return patch, fmt.Errorf("%w: visibility cannot be empty", ErrBadValues)
		}
		vis, err := parseVisibility(*d.Visibility)
		if err != nil {
			return patch, err
		}
		patch.Visibility = &vis
	}
	return patch, nil
}

type buyDTO struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

func (d buyDTO) validate() error {
	if strings.TrimSpace(d.Ticker) == "" {
		return fmt.Errorf("%w: ticker is required", ErrBadValues)
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidQuantity)
	}
	return nil
}

// sellDTO sells the whole lot when Quantity is omitted.
type sellDTO struct {
	Quantity *int64 `json:"quantity,omitempty"`
}

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   Money  `json:"balance"`
	Formatted string `json:"formatted"`
	Currency  string `json:"currency"`
}

type copyFailureResponse struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason"`
}

type copyResponse struct {
	Portfolio Portfolio             `json:"portfolio"`
	Purchases []PurchaseResult      `json:"purchases"`
	Failures  []copyFailureResponse `json:"failures,omitempty"`
}

func newCopyResponse(res CopyResult) copyResponse {
	out := copyResponse{Portfolio: res.Portfolio, Purchases: res.Purchases}
	for _, f := range res.Failures {
		reason := ""
		if f.Err != nil {
			reason = f.Err.Error()
		}
		out.Failures = append(out.Failures, copyFailureResponse{Ticker: f.Ticker, Quantity: f.Quantity, Reason: reason})
	}
	return out
}
