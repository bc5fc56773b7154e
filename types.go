package main

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ===== Domain =====

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func parseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityPrivate, "":
		return VisibilityPrivate, nil
	default:
		return "", fmt.Errorf("%w: unsupported visibility %q (use public|private)", ErrBadValues, s)
	}
}

// Account is the cash side of a user. One per user, keyed by OwnerID.
type Account struct {
	OwnerID   string    `json:"owner_id"`
	Balance   Money     `json:"balance"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShareLot is a block of shares of one ticker bought together.
type ShareLot struct {
	ID               string    `json:"id"`
	Ticker           string    `json:"ticker"`
	OwnerID          string    `json:"owner_id"`
	Quantity         int64     `json:"quantity"`
	AcquisitionPrice Money     `json:"acquisition_price"`
	AcquiredAt       time.Time `json:"acquired_at"`
	Version          int64     `json:"-"`
}

type Portfolio struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	OwnerDisplayName string     `json:"owner_display_name"`
	Name             string     `json:"name"`
	Visibility       Visibility `json:"visibility"`
	LotRefs          []string   `json:"lot_refs"`
	Version          int64      `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (p Portfolio) clone() Portfolio {
	p.LotRefs = slices.Clone(p.LotRefs)
	if p.LotRefs == nil {
		p.LotRefs = []string{}
	}
	return p
}

func (p Portfolio) hasLot(lotID string) bool { return slices.Contains(p.LotRefs, lotID) }

func (p Portfolio) withoutLot(lotID string) Portfolio {
	out := p.clone()
	out.LotRefs = slices.DeleteFunc(out.LotRefs, func(id string) bool { return id == lotID })
	return out
}

// Quote is a point-in-time price. Never persisted.
type Quote struct {
	Ticker string    `json:"ticker"`
	Price  Money     `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// HistoryRange selects the resolution of a price history query.
type HistoryRange string

const (
	Range24Hours HistoryRange = "24hours"
	RangeDaily   HistoryRange = "daily"
	RangeMonthly HistoryRange = "monthly"
)

func parseHistoryRange(s string) (HistoryRange, error) {
	switch HistoryRange(strings.ToLower(strings.TrimSpace(s))) {
	case Range24Hours:
		return Range24Hours, nil
	case RangeDaily, "":
		return RangeDaily, nil
	case RangeMonthly:
		return RangeMonthly, nil
	default:
		return "", fmt.Errorf("%w: unsupported range %q (use 24hours|daily|monthly)", ErrBadValues, s)
	}
}

type PricePoint struct {
	At    time.Time `json:"at"`
	Price Money     `json:"price"`
}

func normalizeTicker(t string) string { return strings.ToUpper(strings.TrimSpace(t)) }
