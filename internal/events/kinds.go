package events

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Kind names an inbound push event.
type Kind string

const (
	KindConnected       Kind = "connected"
	KindBalanceUpdated  Kind = "balance_updated"
	KindTransferUpdated Kind = "transfer_updated"
	KindCardUpdated     Kind = "card_updated"
	KindLoanUpdated     Kind = "loan_updated"
	KindBitcoinUpdated  Kind = "bitcoin_transaction_updated"
	KindNotification    Kind = "notification"
)

// AllKinds returns every event kind in registration order.
func AllKinds() []Kind {
	return []Kind{
		KindConnected,
		KindBalanceUpdated,
		KindTransferUpdated,
		KindCardUpdated,
		KindLoanUpdated,
		KindBitcoinUpdated,
		KindNotification,
	}
}

// Text is a scalar that the backend may send either as a JSON string or as
// a JSON number. It always holds the textual form.
type Text string

// UnmarshalJSON accepts strings, numbers and null.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

// Connected is the transport acknowledgment payload.
type Connected struct {
	ConnectionID string `json:"connectionId"`
	ClientID     string `json:"clientId"`
}

// BalanceUpdated carries the new account balance.
type BalanceUpdated struct {
	Balance Text `json:"balance"`
}

// Float returns the balance as a number.
func (b BalanceUpdated) Float() (float64, error) {
	return strconv.ParseFloat(string(b.Balance), 64)
}

// TransferUpdated reports a transfer status change.
type TransferUpdated struct {
	TransferID   Text   `json:"transfer_id"`
	Status       string `json:"status"`
	TransferType string `json:"transfer_type"`
}

// CardUpdated reports a card status change.
type CardUpdated struct {
	CardID Text   `json:"card_id"`
	Status string `json:"status"`
	Action string `json:"action"`
}

// LoanUpdated reports a loan status change.
type LoanUpdated struct {
	LoanID Text   `json:"loan_id"`
	Status string `json:"status"`
}

// BitcoinTransactionUpdated reports a bitcoin transaction status change.
type BitcoinTransactionUpdated struct {
	TransactionID Text   `json:"transaction_id"`
	Status        string `json:"status"`
	Type          string `json:"type"`
}

// Notification is a generic user notification.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}
