package review

import (
	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/shopspring/decimal"
)

// EditHandoff is what the amount edit sub-flow receives from a review session.
// The callbacks are bound to the session that produced the handoff; once that
// session is closed or re-opened they return ErrSessionClosed.
type EditHandoff struct {
	DepositID      string          `json:"id"`
	AmountInUSD    decimal.Decimal `json:"amountInUSD"`
	AmountInCrypto decimal.Decimal `json:"amountInCrypto"`
	CoinName       string          `json:"coinName"`

	controller *Controller
	generation uint64
}

// ToggleModal switches between the edit sub-flow and the read-only view.
// ToggleModal(false) returns the session to viewing.
func (h EditHandoff) ToggleModal(editing bool) error {
	if h.controller == nil {
		return ErrSessionClosed
	}
	if editing {
		return h.controller.enterEdit(h.generation)
	}
	return h.controller.exitEdit(h.generation, false)
}

// Refetch closes the session and tells the host to refresh its deposit list.
func (h EditHandoff) Refetch() error {
	if h.controller == nil {
		return ErrSessionClosed
	}
	return h.controller.exitEdit(h.generation, true)
}

// EditHandoff returns the handoff for the current session, or false when no
// session is open or it is not in edit mode.
func (c *Controller) EditHandoff() (EditHandoff, bool) {
	state := c.Snapshot()
	if !state.Open || state.Mode != domain.ReviewModeEditing {
		return EditHandoff{}, false
	}
	return newEditHandoff(c, state), true
}

func newEditHandoff(c *Controller, state State) EditHandoff {
	return EditHandoff{
		DepositID:      state.Deposit.ID,
		AmountInUSD:    state.Deposit.Amount,
		AmountInCrypto: state.Deposit.ConvertedAmount(),
		CoinName:       state.Deposit.WalletData.CoinName,
		controller:     c,
		generation:     state.Generation,
	}
}
