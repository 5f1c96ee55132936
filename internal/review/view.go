package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/finforte/deposit-review-service/internal/domain"
)

const (
	labelApprove = "Approve"
	labelReject  = "Reject"
	labelEdit    = "Edit"
	labelLoading = "Loading..."

	dateLayout = "1/2/2006, 3:04:05 PM"
)

// View is the data the review surface needs to render itself. It carries no
// markup; an invisible View means "render nothing".
type View struct {
	Visible bool              `json:"visible"`
	Mode    domain.ReviewMode `json:"mode,omitempty"`
	Summary *Summary          `json:"summary,omitempty"`
	Banner  *domain.Banner    `json:"banner,omitempty"`
	Actions *Actions          `json:"actions,omitempty"`
	Edit    *EditHandoff      `json:"edit,omitempty"`

	PendingAction domain.PendingAction `json:"pendingAction,omitempty"`
	LastOutcome   *domain.Outcome      `json:"lastOutcome,omitempty"`
}

// Summary holds the display strings of the read-only deposit card.
type Summary struct {
	DepositID       string               `json:"id"`
	Title           string               `json:"title"`
	Date            string               `json:"date"`
	Name            string               `json:"name"`
	Method          string               `json:"method"`
	Amount          string               `json:"amount"`
	ConvertedLabel  string               `json:"convertedLabel"`
	ConvertedAmount string               `json:"convertedAmount"`
	Status          domain.DepositStatus `json:"status"`
}

// Actions are the controls shown under the card. They are only present while
// the deposit is pending.
type Actions struct {
	Approve Control `json:"approve"`
	Reject  Control `json:"reject"`
	Edit    Control `json:"edit"`
}

// Control is a single button.
type Control struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Loading bool   `json:"loading"`
}

// View renders the current state. Dates are formatted in loc; nil means UTC.
func (c *Controller) View(loc *time.Location) View {
	return buildView(c, c.Snapshot(), loc)
}

func buildView(c *Controller, state State, loc *time.Location) View {
	if !state.Open || state.Deposit == nil {
		return View{Visible: false}
	}
	if loc == nil {
		loc = time.UTC
	}

	view := View{
		Visible:       true,
		Mode:          state.Mode,
		PendingAction: state.PendingAction,
		Banner:        BannerFor(state.LastOutcome, state.BannerDismissed),
	}
	if !state.LastOutcome.IsNone() {
		outcome := state.LastOutcome
		view.LastOutcome = &outcome
	}

	if state.Mode == domain.ReviewModeEditing {
		handoff := newEditHandoff(c, state)
		view.Edit = &handoff
		return view
	}

	view.Summary = buildSummary(*state.Deposit, loc)
	if state.Deposit.IsPending() {
		view.Actions = buildActions(state.PendingAction)
	}
	return view
}

func buildSummary(d domain.Deposit, loc *time.Location) *Summary {
	coin := strings.TrimSpace(d.WalletData.CoinName)
	date := ""
	if !d.Date.IsZero() {
		date = d.Date.In(loc).Format(dateLayout)
	}
	return &Summary{
		DepositID:       d.ID,
		Title:           fmt.Sprintf("Deposit Via %s", coin),
		Date:            date,
		Name:            d.User.Name,
		Method:          coin,
		Amount:          fmt.Sprintf("%s usd", d.Amount.String()),
		ConvertedLabel:  fmt.Sprintf("In %s", coin),
		ConvertedAmount: d.ConvertedAmount().String(),
		Status:          d.Status,
	}
}

func buildActions(pending domain.PendingAction) *Actions {
	idle := pending == domain.PendingActionNone
	actions := &Actions{
		Approve: Control{Label: labelApprove, Enabled: idle},
		Reject:  Control{Label: labelReject, Enabled: idle},
		Edit:    Control{Label: labelEdit, Enabled: idle},
	}
	switch pending {
	case domain.PendingActionApproving:
		actions.Approve.Label = labelLoading
		actions.Approve.Loading = true
	case domain.PendingActionRejecting:
		actions.Reject.Label = labelLoading
		actions.Reject.Loading = true
	}
	return actions
}
