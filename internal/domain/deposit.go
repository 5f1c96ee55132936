/**
 * @description
 * This file defines the deposit record as the admin console loads it from the
 * deposit-management service. A Deposit is an immutable snapshot: the review
 * workflow never changes it in place, it only asks the remote service to
 * transition it and expects the console to refetch its list afterwards.
 *
 * @notes
 * - Amounts use shopspring/decimal. Decoding accepts both JSON numbers and
 *   numeric strings, which is how the remote service has historically encoded
 *   `amount` on older records.
 * - `date` is display-only. Any layout the remote service has used is accepted
 *   and an unreadable value decodes to the zero time instead of failing.
 */

package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus is the lifecycle status of a deposit request.
type DepositStatus string

const (
	DepositStatusPending  DepositStatus = "pending"
	DepositStatusApproved DepositStatus = "approved"
	DepositStatusRejected DepositStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositStatusPending, DepositStatusApproved, DepositStatusRejected:
		return true
	default:
		return false
	}
}

// IsTransitionTarget reports whether an operator may request a transition to s.
func (s DepositStatus) IsTransitionTarget() bool {
	return s == DepositStatusApproved || s == DepositStatusRejected
}

// ParseDepositStatus normalizes a status string. Unknown values are returned as-is
// so callers can reject them with Valid.
func ParseDepositStatus(raw string) DepositStatus {
	return DepositStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// DepositUser is the submitter of a deposit. Only Email is used by the workflow
// itself; the rest is display data.
type DepositUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// WalletData describes the settlement method chosen for the deposit.
type WalletData struct {
	Address         string          `json:"address,omitempty"`
	Network         string          `json:"network,omitempty"`
	CoinName        string          `json:"coinName,omitempty"`
	ConvertedAmount decimal.Decimal `json:"convertedAmount"`
}

// Deposit is the record under review.
type Deposit struct {
	ID         string          `json:"_id"`
	Type       string          `json:"type,omitempty"`
	User       DepositUser     `json:"user"`
	Status     DepositStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"` // reference currency (USD)
	Date       time.Time       `json:"date"`
	WalletData WalletData      `json:"walletData"`
}

// ConvertedAmount is the amount in the deposit's settlement asset.
func (d Deposit) ConvertedAmount() decimal.Decimal {
	return d.WalletData.ConvertedAmount
}

// IsPending reports whether the deposit still awaits an operator decision.
func (d Deposit) IsPending() bool {
	return d.Status == DepositStatusPending
}

var depositDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

func (d *Deposit) UnmarshalJSON(data []byte) error {
	type plain Deposit
	aux := struct {
		*plain
		Date json.RawMessage `json:"date"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Date = parseDepositDate(aux.Date)
	return nil
}

// parseDepositDate reads an ISO-like string, a JS Date string or epoch
// milliseconds. Anything else yields the zero time.
func parseDepositDate(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		millis, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(millis).UTC()
	}

	text = strings.TrimSpace(text)
	if i := strings.Index(text, " ("); i > 0 {
		text = text[:i] // "... GMT+0000 (Coordinated Universal Time)"
	}
	for _, layout := range depositDateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return time.Time{}
}
