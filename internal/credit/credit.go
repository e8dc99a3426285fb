// Package credit tops up a session's free credit before a job is submitted.
package credit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/provider"
)

// Ensure claims the daily credit when the balance is empty. Failures are
// logged and swallowed; submission proceeds either way and the backend has
// the final say on balance.
func Ensure(ctx context.Context, ledger provider.Ledger, logger zerolog.Logger) {
	credit, err := ledger.GetCredit(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("credit: balance check failed")
		return
	}

	total := credit.Total()
	logger.Debug().
		Int("gift", credit.GiftCredit).
		Int("purchase", credit.PurchaseCredit).
		Int("vip", credit.VIPCredit).
		Int("total", total).
		Msg("credit: balance")

	if total > 0 {
		return
	}

	received, err := ledger.ReceiveCredit(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("credit: daily grant failed")
		return
	}
	logger.Info().Int("total", received).Msg("credit: daily grant received")
}
