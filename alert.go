package main

import (
	"context"

	"github.com/rs/zerolog"
)

// Alerter is told about every trade that left cash and holdings out of step.
// Implementations must not block for long; they run on the request path.
type Alerter interface {
	Alert(ctx context.Context, rec *ReconciliationError)
}

type logAlerter struct{ log zerolog.Logger }

func newLogAlerter(log zerolog.Logger) logAlerter {
	return logAlerter{log: log.With().Str("component", "reconciliation").Logger()}
}

func (a logAlerter) Alert(_ context.Context, rec *ReconciliationError) {
	a.log.Error().
		Bool("alert", true).
		Str("op", rec.Op).
		Str("user_id", rec.UserID).
		Str("portfolio_id", rec.PortfolioID).
		Str("lot_id", rec.LotID).
		Str("ticker", rec.Ticker).
		Int64("quantity", rec.Quantity).
		Str("amount", rec.Amount.String()).
		AnErr("cause", rec.Cause).
		AnErr("compensation_error", rec.Compensate).
		Msg("reconciliation required")
}

type multiAlerter []Alerter

func (m multiAlerter) Alert(ctx context.Context, rec *ReconciliationError) {
	for _, a := range m {
		a.Alert(ctx, rec)
	}
}
