package domain

import (
	"fmt"
	"time"
)

// Transaction is a single money movement between two accounts.
// Multiple transactions may exist between the same ordered pair.
type Transaction struct {
	ID        string    `json:"transaction_id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// IsSelfTransfer reports whether the transaction moves money to its own sender.
func (t Transaction) IsSelfTransfer() bool {
	return t.Sender == t.Receiver
}

// TransactionInput is the API request shape for one ledger record.
// Validation happens per record so that a single bad row never fails the batch.
// Timestamp accepts the same layouts as CSV ingestion.
type TransactionInput struct {
	TransactionID string   `json:"transaction_id"`
	Sender        string   `json:"sender_id" validate:"required"`
	Receiver      string   `json:"receiver_id" validate:"required"`
	Amount        *float64 `json:"amount" validate:"required,gte=0"`
	Timestamp     string   `json:"timestamp" validate:"required,timestamp"`
}

// RejectedRecord describes a transaction that was dropped from a run.
type RejectedRecord struct {
	Index         int    `json:"index"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason"`
}

func (r RejectedRecord) Error() string {
	if r.TransactionID != "" {
		return fmt.Sprintf("record %d (%s): %s", r.Index, r.TransactionID, r.Reason)
	}
	return fmt.Sprintf("record %d: %s", r.Index, r.Reason)
}

// Unwrap lets callers match rejected records with errors.Is(err, ErrMalformedRecord).
func (r RejectedRecord) Unwrap() error {
	return ErrMalformedRecord
}
